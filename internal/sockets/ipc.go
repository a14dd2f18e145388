package sockets

import (
	"fmt"
	"os"
)

// freeIPCPort returns the first suffix n for which the ipc path ip-n is not
// taken.
func freeIPCPort(ip string) int {
	for n := 1; ; n++ {
		if _, err := os.Stat(fmt.Sprintf("%s-%d", ip, n)); os.IsNotExist(err) {
			return n
		}
	}
}
