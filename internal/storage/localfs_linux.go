//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var remoteMagic = map[int64]string{
	unix.NFS_SUPER_MAGIC:  "nfs",
	unix.SMB_SUPER_MAGIC:  "smbfs",
	unix.CIFS_SUPER_MAGIC: "cifs",
	0xFE534D42:            "smb2",
}

func filesystemType(path string) (string, bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", false, err
	}
	if name, ok := remoteMagic[int64(st.Type)]; ok {
		return name, true, nil
	}
	return fmt.Sprintf("0x%x", st.Type), false, nil
}
