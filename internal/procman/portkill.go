package procman

import (
	"context"
	"fmt"
	"strconv"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// KillResult reports the outcome of a port preemption.
type KillResult struct {
	Killed int
	Err    error
}

// ValidatePort rejects ports outside [1, 65535] before any process
// inspection happens.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range: must be between 1 and 65535", port)
	}
	return nil
}

// ParsePort converts untrusted string input into a validated port. Non-numeric
// and fractional values are rejected with a specific message, never passed on
// to the OS lookup.
func ParsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("port %q is not an integer", raw)
	}
	if err := ValidatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

// PidsOnPort returns the PIDs of processes listening on the TCP port.
func PidsOnPort(port int) ([]int32, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	seen := make(map[int32]bool)
	var pids []int32
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != uint32(port) {
			continue
		}
		if conn.Pid <= 0 || seen[conn.Pid] {
			continue
		}
		seen[conn.Pid] = true
		pids = append(pids, conn.Pid)
	}
	return pids, nil
}

// KillProcessOnPort terminates every process listening on the port and
// returns how many were signalled. Blocking variant.
func KillProcessOnPort(port int) (int, error) {
	pids, err := PidsOnPort(port)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, pid := range pids {
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Terminate(); err != nil {
			return killed, fmt.Errorf("terminate pid %d on port %d: %w", pid, port, err)
		}
		killed++
	}
	return killed, nil
}

// KillProcessOnPortAsync validates the port synchronously, then performs the
// lookup and signalling off the calling goroutine. The result is delivered on
// the returned channel; callers handling requests stay unblocked.
func KillProcessOnPortAsync(ctx context.Context, port int) (<-chan KillResult, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}
	ch := make(chan KillResult, 1)
	go func() {
		killed, err := KillProcessOnPort(port)
		select {
		case ch <- KillResult{Killed: killed, Err: err}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
