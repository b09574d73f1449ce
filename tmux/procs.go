package tmux

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/projecteru2/warren/connector"
)

// Proc is one row of the host's process table.
type Proc struct {
	PID  int
	PPID int
	Name string
}

// ProcessTable reads every process on the connector's host with ps.
func ProcessTable(ctx context.Context, conn connector.Connector) ([]Proc, error) {
	res, err := conn.Run(ctx, []string{"ps", "-A", "-o", "pid=,ppid=,comm="}, connector.RunOptions{Checked: true})
	if err != nil {
		return nil, fmt.Errorf("list processes on %s: %w", conn.Name(), err)
	}
	return ParseProcessTable(res.Stdout), nil
}

// ParseProcessTable parses `ps -o pid=,ppid=,comm=` output. Malformed rows
// are skipped.
func ParseProcessTable(out string) []Proc {
	var procs []Proc
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 { //nolint:mnd
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		// comm may contain spaces and, on macOS, a full path.
		name := path.Base(strings.Join(fields[2:], " "))
		procs = append(procs, Proc{PID: pid, PPID: ppid, Name: name})
	}
	return procs
}

// Descendants returns the names of every process below root, breadth first.
func Descendants(procs []Proc, root int) []string {
	children := make(map[int][]Proc, len(procs))
	for _, p := range procs {
		if p.PID != p.PPID {
			children[p.PPID] = append(children[p.PPID], p)
		}
	}
	var names []string
	seen := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, c := range children[pid] {
			if seen[c.PID] {
				continue
			}
			seen[c.PID] = true
			names = append(names, c.Name)
			queue = append(queue, c.PID)
		}
	}
	return names
}

// PaneDescendants returns the names of processes running under the pane.
func (c *Client) PaneDescendants(ctx context.Context, pid int) ([]string, error) {
	procs, err := ProcessTable(ctx, c.conn)
	if err != nil {
		return nil, err
	}
	return Descendants(procs, pid), nil
}
