// Package pbs describes the nodes of the enclosing batch job and starts
// processes on them.
package pbs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Node is one allocated host. Offset is the pbsdsh node index.
type Node struct {
	Hostname string
	Offset   int
	NumCores int
	IsMain   bool // also hosts the coordinator
}

// InJob reports whether we are running inside a PBS job.
func InJob() bool {
	return os.Getenv("PBS_JOBID") != ""
}

// JobID returns $PBS_JOBID, or "" outside a job.
func JobID() string {
	return os.Getenv("PBS_JOBID")
}

// ParentTaskID derives a stable id for the enclosing job, nil outside a job.
func ParentTaskID() *uuid.UUID {
	id := JobID()
	if id == "" {
		return nil
	}
	parent := uuid.NewSHA1(uuid.NameSpaceOID, []byte("pbs:"+id))
	return &parent
}

// Hostname returns the short host name of this machine.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return ShortName(h)
}

// ShortName drops the domain part of a host name.
func ShortName(h string) string {
	short, _, _ := strings.Cut(h, ".")
	return short
}

// Nodes reads $PBS_NODEFILE. Outside a job a single local node with every CPU is returned.
func Nodes() ([]Node, error) {
	path := os.Getenv("PBS_NODEFILE")
	if path == "" {
		return LocalNodes(runtime.NumCPU()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open PBS_NODEFILE: %w", err)
	}
	defer f.Close()
	return ParseNodeFile(f, Hostname())
}

// LocalNodes is the development fallback: this host only.
func LocalNodes(cores int) []Node {
	if cores < 1 {
		cores = 1
	}
	return []Node{{Hostname: Hostname(), Offset: 0, NumCores: cores, IsMain: true}}
}

// ParseNodeFile parses a PBS node file: one line per allocated core, nodes
// numbered in order of first appearance.
func ParseNodeFile(r io.Reader, localHost string) ([]Node, error) {
	byHost := make(map[string]*Node)
	var order []string

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		host := strings.TrimSpace(sc.Text())
		if host == "" {
			continue
		}
		n, ok := byHost[host]
		if !ok {
			n = &Node{
				Hostname: host,
				Offset:   len(order),
				IsMain:   ShortName(host) == ShortName(localHost),
			}
			byHost[host] = n
			order = append(order, host)
		}
		n.NumCores++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read node file: %w", err)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("node file lists no nodes")
	}

	nodes := make([]Node, 0, len(order))
	for _, host := range order {
		nodes = append(nodes, *byHost[host])
	}
	return nodes, nil
}

// defaultEnvKeys are always propagated to workers when set.
var defaultEnvKeys = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "PYTHONPATH", "LD_LIBRARY_PATH"}

// WorkerEnv collects the environment to propagate to workers: the default
// keys plus every variable starting with one of prefixes.
func WorkerEnv(prefixes []string) map[string]string {
	return filterEnv(os.Environ(), prefixes)
}

func filterEnv(environ []string, prefixes []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if keep(k, prefixes) {
			env[k] = v
		}
	}
	return env
}

func keep(key string, prefixes []string) bool {
	for _, k := range defaultEnvKeys {
		if key == k {
			return true
		}
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
