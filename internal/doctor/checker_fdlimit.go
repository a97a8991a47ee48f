package doctor

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// RecommendedFileDescriptors is the soft limit a peer serving many relay and
// delegate clients should run with. Every client holds at least one socket.
const RecommendedFileDescriptors uint64 = 65536

// FileDescriptorChecker checks the file descriptor soft limit
type FileDescriptorChecker struct{}

func NewFileDescriptorChecker() *FileDescriptorChecker {
	return &FileDescriptorChecker{}
}

func (c *FileDescriptorChecker) Name() string       { return "File descriptors" }
func (c *FileDescriptorChecker) Category() Category { return CategorySystem }

func (c *FileDescriptorChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
	}

	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusWarning
		result.Message = "File descriptors: Unable to check"
		result.Details = err.Error()
		return result
	}

	softLimit := rLimit.Cur

	if softLimit >= RecommendedFileDescriptors {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("File descriptors: %d (>= %d recommended)", softLimit, RecommendedFileDescriptors)
	} else {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("File descriptors: %d (>= %d recommended for a busy peer)", softLimit, RecommendedFileDescriptors)
		result.Hint = "increase with 'ulimit -n 65536' or update /etc/security/limits.conf"
	}

	return result
}
