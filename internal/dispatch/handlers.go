package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/guysv/ilua/internal/interp"
	"github.com/guysv/ilua/internal/protocol"
	"github.com/guysv/ilua/internal/sockets"
)

// inspectTrigger turns an execute request into an inspection.
const inspectTrigger = "?"

type handler struct {
	reply string
	fn    func(ctx context.Context, dc *dispatchContext) (map[string]any, error)
}

func (e *Engine) routes() map[string]handler {
	return map[string]handler{
		"kernel_info_request": {"kernel_info_reply", e.kernelInfo},
		"execute_request":     {"execute_reply", e.execute},
		"is_complete_request": {"is_complete_reply", e.isComplete},
		"complete_request":    {"complete_reply", e.complete},
		"inspect_request":     {"inspect_reply", e.inspect},
		"history_request":     {"history_reply", e.historyTail},
		"interrupt_request":   {"interrupt_reply", e.interrupt},
		"shutdown_request":    {"shutdown_reply", e.shutdown},
	}
}

func (e *Engine) kernelInfo(context.Context, *dispatchContext) (map[string]any, error) {
	return map[string]any{
		"status":                 "ok",
		"protocol_version":       protocol.Version,
		"implementation":         "ilua",
		"implementation_version": e.version,
		"language_info": map[string]any{
			"name":           "Lua",
			"mimetype":       "text/plain",
			"file_extension": ".lua",
		},
		"banner": e.banner,
		"help_links": []map[string]string{
			{"text": "Lua Reference Manual", "url": "https://www.lua.org/manual/"},
		},
	}, nil
}

type executeRequest struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory *bool  `json:"store_history"`
	AllowStdin   bool   `json:"allow_stdin"`
	StopOnError  bool   `json:"stop_on_error"`
}

func (e *Engine) execute(ctx context.Context, dc *dispatchContext) (map[string]any, error) {
	var req executeRequest
	if err := dc.req.Msg.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	n := int(e.count.Add(1))
	e.obs.ExecutionCount(n)
	e.appendHistory(ctx, req.Code, n)
	e.broadcast(dc, "execute_input", map[string]any{
		"code":            req.Code,
		"execution_count": n,
	})

	if strings.HasSuffix(req.Code, inspectTrigger) {
		return e.inspectProxy(ctx, req.Code, n)
	}

	res, err := e.interp.Execute(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	if res.Success {
		if !req.Silent && len(res.Values) > 0 {
			e.broadcast(dc, "execute_result", map[string]any{
				"execution_count": n,
				"data":            map[string]any{"text/plain": res.Text()},
				"metadata":        map[string]any{},
			})
		}
		return executeOK(n, []any{}), nil
	}

	traceback := res.Values
	if traceback == nil {
		traceback = []string{}
	}
	evalue := ""
	if len(traceback) > 0 {
		evalue = traceback[0]
	}
	if !req.Silent {
		e.broadcast(dc, "error", map[string]any{
			"execution_count": n,
			"ename":           "LuaError",
			"evalue":          evalue,
			"traceback":       traceback,
		})
	}
	return map[string]any{
		"status":          "error",
		"execution_count": n,
		"ename":           "LuaError",
		"evalue":          evalue,
		"traceback":       traceback,
	}, nil
}

func executeOK(n int, payload []any) map[string]any {
	return map[string]any{
		"status":           "ok",
		"execution_count":  n,
		"payload":          payload,
		"user_expressions": map[string]any{},
	}
}

// appendHistory stores code without holding up the request.
func (e *Engine) appendHistory(ctx context.Context, code string, line int) {
	if e.history == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	e.appends.Add(1)
	go func() {
		defer e.appends.Done()
		if err := e.history.Append(ctx, code, line); err != nil {
			e.logger.Warn("history append failed", "line", line, "error", err)
		}
	}()
}

// inspectProxy answers "name?" typed into a cell. Frontends rarely send
// inspect_request, so the result is returned as a page payload on the
// execute reply. Each extra "?" raises the detail level, capped at 1.
func (e *Engine) inspectProxy(ctx context.Context, code string, n int) (map[string]any, error) {
	stripped := strings.TrimRight(code, inspectTrigger)
	level := min(1, len(code)-len(stripped)-1)

	found, data, err := e.lookup(ctx, stripped, utf8.RuneCountInString(stripped), level)
	if err != nil {
		return nil, err
	}
	payload := []any{}
	if found {
		payload = append(payload, map[string]any{
			"source": "page",
			"data":   data,
			"start":  0,
		})
	}
	return executeOK(n, payload), nil
}

type inspectRequest struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

func (e *Engine) inspect(ctx context.Context, dc *dispatchContext) (map[string]any, error) {
	var req inspectRequest
	if err := dc.req.Msg.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	found, data, err := e.lookup(ctx, req.Code, req.CursorPos, req.DetailLevel)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":   "ok",
		"found":    found,
		"data":     data,
		"metadata": map[string]any{},
	}, nil
}

// lookup resolves the object before cursorPos and renders it as text/plain.
func (e *Engine) lookup(ctx context.Context, code string, cursorPos, level int) (bool, map[string]any, error) {
	data := map[string]any{}
	if e.inspector == nil {
		return false, data, nil
	}
	crumbs, _ := e.inspector.LastObject(code, cursorPos)
	if len(crumbs) == 0 {
		return false, data, nil
	}
	rec, err := e.interp.Info(ctx, crumbs)
	if err != nil {
		return false, nil, err
	}
	if rec == nil {
		return false, data, nil
	}
	data["text/plain"] = e.render(rec, level)
	return true, data, nil
}

// render describes rec. Functions defined in a Lua file show the comment
// block above their definition, and their source at level 1.
func (e *Engine) render(rec *interp.InfoRecord, level int) string {
	path, ok := strings.CutPrefix(rec.Source, "@")
	if rec.Type != "function" || !ok || rec.LineDefined <= 0 {
		return rec.Repr
	}

	var b strings.Builder
	b.WriteString(rec.Repr)
	b.WriteString("\n")
	fmt.Fprintf(&b, "defined at %s:%d\n", path, rec.LineDefined)

	doc, err := e.inspector.Doc(path, rec.LineDefined)
	if err != nil {
		e.logger.Debug("doc lookup failed", "path", path, "error", err)
		return rec.Repr
	}
	if doc != "" {
		b.WriteString("\n")
		b.WriteString(doc)
		b.WriteString("\n")
	}

	if level >= 1 && rec.LastLineDefined >= rec.LineDefined {
		src, err := e.inspector.Source(path, rec.LineDefined, rec.LastLineDefined)
		if err != nil {
			e.logger.Debug("source lookup failed", "path", path, "error", err)
		} else if src != "" {
			b.WriteString("\n")
			b.WriteString(src)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

type codeRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

func (e *Engine) isComplete(ctx context.Context, dc *dispatchContext) (map[string]any, error) {
	var req codeRequest
	if err := dc.req.Msg.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	verdict, err := e.interp.IsComplete(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	content := map[string]any{"status": verdict}
	if verdict == "incomplete" {
		content["indent"] = ""
	}
	return content, nil
}

func (e *Engine) complete(ctx context.Context, dc *dispatchContext) (map[string]any, error) {
	var req codeRequest
	if err := dc.req.Msg.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	content := map[string]any{
		"status":       "ok",
		"matches":      []string{},
		"cursor_start": req.CursorPos,
		"cursor_end":   req.CursorPos,
		"metadata":     map[string]any{},
	}
	if e.inspector == nil {
		return content, nil
	}
	crumbs, onlyMethods := e.inspector.LastObject(req.Code, req.CursorPos)
	if len(crumbs) == 0 {
		return content, nil
	}
	matches, err := e.interp.Complete(ctx, crumbs, onlyMethods)
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []string{}
	}
	partial := crumbs[len(crumbs)-1]
	content["matches"] = matches
	content["cursor_start"] = req.CursorPos - utf8.RuneCountInString(partial)
	return content, nil
}

type historyRequest struct {
	HistAccessType string `json:"hist_access_type"`
	Output         bool   `json:"output"`
	Raw            bool   `json:"raw"`
	N              int    `json:"n"`
}

// historyTail serves tail requests only; anything else gets an empty list.
func (e *Engine) historyTail(ctx context.Context, dc *dispatchContext) (map[string]any, error) {
	var req historyRequest
	if err := dc.req.Msg.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}

	entries := [][]any{}
	if e.history == nil || req.HistAccessType != "tail" || req.N <= 0 || req.Output {
		return map[string]any{"status": "ok", "history": entries}, nil
	}

	tail, err := e.history.Tail(ctx, req.N)
	if err != nil {
		e.logger.Warn("history tail failed", "error", err)
		return map[string]any{"status": "ok", "history": entries}, nil
	}
	for _, ent := range tail {
		entries = append(entries, []any{ent.Session, ent.Line, ent.Source})
	}
	return map[string]any{"status": "ok", "history": entries}, nil
}

func (e *Engine) interrupt(context.Context, *dispatchContext) (map[string]any, error) {
	e.signalInterrupt()
	return map[string]any{}, nil
}

func (e *Engine) signalInterrupt() {
	err := e.interp.Interrupt()
	switch {
	case err == nil:
		e.logger.Info("interrupt delivered to interpreter")
	case errors.Is(err, interp.ErrInterruptUnsupported):
		e.logger.Warn("interrupt is not supported on this platform")
	default:
		e.logger.Warn("interrupt failed", "error", err)
	}
}

// interruptOutOfBand answers a control-channel interrupt without waiting for
// the worker. It makes no status broadcasts and never touches the link.
func (e *Engine) interruptOutOfBand(req *sockets.Request) {
	e.signalInterrupt()
	e.obs.RequestHandled(req.Msg.Header.MsgType)
	if err := e.frontend.Reply(req, "interrupt_reply", map[string]any{}); err != nil {
		e.logger.Warn("failed to send reply", "reply", "interrupt_reply", "error", err)
	}
}

type shutdownRequest struct {
	Restart bool `json:"restart"`
}

// shutdown holds its reply for broadcast after the loop exits. Only the
// first request is kept.
func (e *Engine) shutdown(_ context.Context, dc *dispatchContext) (map[string]any, error) {
	var req shutdownRequest
	if err := dc.req.Msg.DecodeContent(&req); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	content := map[string]any{"status": "ok", "restart": req.Restart}
	if e.pending == nil {
		e.pending = &heldReply{content: content, parent: dc.header}
	}
	return content, nil
}
