package connector

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/projecteru2/warren/process"
)

const (
	// exitNotExist is the status the file scripts use for a missing path.
	exitNotExist = 44
	// tempPattern names in-flight writes; GC sweeps stale ".tmp-" files.
	tempPattern = ".tmp-warren-XXXXXXXX"
)

var _ Connector = (*Remote)(nil)

// Remote implements Connector for hosts reached through an Executor. File
// operations are small POSIX sh scripts, so the target only needs sh,
// base64 and coreutils.
type Remote struct {
	name   string
	exec   Executor
	closer func() error
}

// NewRemote wraps exec. closer, if non-nil, runs on Close.
func NewRemote(name string, exec Executor, closer func() error) *Remote {
	return &Remote{name: name, exec: exec, closer: closer}
}

func (r *Remote) Name() string  { return r.name }
func (r *Remote) IsLocal() bool { return false }

// Run wraps argv in sh so Dir and Env apply on the remote side.
func (r *Remote) Run(ctx context.Context, argv []string, opts RunOptions) (process.Result, error) {
	if opts.Dir == "" && len(opts.Env) == 0 {
		return r.exec.Exec(ctx, argv, opts)
	}
	var b strings.Builder
	if opts.Dir != "" {
		fmt.Fprintf(&b, "cd %s && ", Quote(opts.Dir))
	}
	b.WriteString("exec ")
	if len(opts.Env) > 0 {
		b.WriteString("env ")
		for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
			b.WriteString(Quote(k + "=" + opts.Env[k]))
			b.WriteByte(' ')
		}
	}
	b.WriteString(QuoteArgv(argv))
	opts.Dir, opts.Env = "", nil
	return r.exec.Exec(ctx, []string{"sh", "-c", b.String()}, opts)
}

func (r *Remote) ReadFile(ctx context.Context, p string) ([]byte, error) {
	script := fmt.Sprintf(`[ -f %[1]s ] || exit %[2]d; base64 < %[1]s`, Quote(p), exitNotExist)
	out, err := r.script(ctx, "read "+p, script)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(out), ""))
	if err != nil {
		return nil, fmt.Errorf("decode %s from %s: %w", p, r.name, err)
	}
	return data, nil
}

// WriteFile streams data on stdin into a fresh mktemp file next to p and
// renames it over p. Concurrent writers never share a temp file.
func (r *Remote) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	dir := path.Dir(p)
	script := fmt.Sprintf(`set -e; mkdir -p %[1]s; tmp=$(mktemp %[2]s); trap 'rm -f "$tmp"' EXIT; cat > "$tmp"; chmod %[3]o "$tmp"; mv -f "$tmp" %[4]s`,
		Quote(dir), Quote(path.Join(dir, tempPattern)), uint32(perm.Perm()), Quote(p))
	_, err := r.run(ctx, "write "+p, script, bytes.NewReader(data))
	return err
}

func (r *Remote) Remove(ctx context.Context, p string) error {
	_, err := r.script(ctx, "remove "+p, "rm -rf -- "+Quote(p))
	return err
}

func (r *Remote) Exists(ctx context.Context, p string) (bool, error) {
	res, err := r.exec.Exec(ctx, []string{"sh", "-c", "test -e " + Quote(p)}, RunOptions{})
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, r.failure("exists "+p, res)
	}
}

func (r *Remote) MkdirAll(ctx context.Context, p string) error {
	_, err := r.script(ctx, "mkdir "+p, "mkdir -p -- "+Quote(p))
	return err
}

func (r *Remote) ListDir(ctx context.Context, p string) ([]string, error) {
	out, err := r.script(ctx, "list "+p, fmt.Sprintf(`[ -d %[1]s ] || exit 0; ls -1A -- %[1]s`, Quote(p)))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (r *Remote) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}

func (r *Remote) script(ctx context.Context, op, script string) (string, error) {
	return r.run(ctx, op, script, nil)
}

func (r *Remote) run(ctx context.Context, op, script string, stdin io.Reader) (string, error) {
	res, err := r.exec.Exec(ctx, []string{"sh", "-c", script}, RunOptions{Stdin: stdin})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", r.failure(op, res)
	}
	return res.Stdout, nil
}

func (r *Remote) failure(op string, res process.Result) error {
	if res.ExitCode == exitNotExist {
		return fmt.Errorf("%s on %s: %w", op, r.name, fs.ErrNotExist)
	}
	return fmt.Errorf("%s on %s: exit %d: %s", op, r.name, res.ExitCode, strings.TrimSpace(res.Stderr))
}
