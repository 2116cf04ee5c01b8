package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// procNode is one pid in a process tree, tagged with its depth from the
// root (root is depth 0).
type procNode struct {
	pid   int
	depth int
}

// readChildren reads /proc/<pid>/task/*/children, the Linux-specific
// children enumeration used in place of psutil.Process.children(recursive),
// per the Design Note "Process-tree enumeration" (§9) — this keeps the
// supervisor dependency-free for process-tree discovery the way the
// teacher's AF_PACKET capture path is already Linux-only.
func readChildren(pid int) []int {
	taskDir := fmt.Sprintf("/proc/%d/task", pid)
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(taskDir, e.Name(), "children"))
		if err != nil {
			continue
		}
		for _, f := range strings.Fields(string(data)) {
			if cpid, err := strconv.Atoi(f); err == nil {
				out = append(out, cpid)
			}
		}
	}
	return out
}

// collectTree breadth-first enumerates every pid in the tree rooted at
// rootPID, rootPID included at depth 0.
func collectTree(rootPID int) []procNode {
	root := procNode{pid: rootPID, depth: 0}
	nodes := []procNode{root}
	queue := []procNode{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range readChildren(cur.pid) {
			n := procNode{pid: child, depth: cur.depth + 1}
			nodes = append(nodes, n)
			queue = append(queue, n)
		}
	}
	return nodes
}

// suspendOrder returns every pid in the tree ordered leaves-first, root
// last — the order SIGSTOP must be delivered in.
func suspendOrder(rootPID int) []int {
	nodes := collectTree(rootPID)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].depth > nodes[j].depth })
	return pids(nodes)
}

// resumeOrder returns every pid in the tree ordered root-first, leaves
// last — the order SIGCONT must be delivered in, the inverse of
// suspendOrder.
func resumeOrder(rootPID int) []int {
	nodes := collectTree(rootPID)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].depth < nodes[j].depth })
	return pids(nodes)
}

func pids(nodes []procNode) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = n.pid
	}
	return out
}
