package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"
	"golang.org/x/crypto/ssh"

	"github.com/projecteru2/warren/errdefs"
	"github.com/projecteru2/warren/process"
)

// sshConnectFailure is the status the ssh client uses for its own errors.
const sshConnectFailure = 255

// SSHTarget describes how to reach a machine with the ssh client.
type SSHTarget struct {
	Address      string
	Port         int
	User         string
	IdentityFile string
	// ControlDir, when set, enables connection multiplexing with sockets there.
	ControlDir string
	Binary     string
}

var (
	_ Connector   = (*SSH)(nil)
	_ Interactive = (*SSH)(nil)
)

// SSH is a Connector for a remote machine reached through the system ssh client.
type SSH struct {
	*Remote
	target      SSHTarget
	fingerprint string
}

// NewSSH validates the identity file (when given) and returns an SSH
// Connector for target. An unreadable or malformed key is a setup error.
func NewSSH(ctx context.Context, name string, target SSHTarget) (*SSH, error) {
	if target.Address == "" {
		return nil, &errdefs.SetupError{Op: "ssh " + name, Err: errors.New("no address configured")}
	}
	if target.Binary == "" {
		target.Binary = "ssh"
	}
	s := &SSH{target: target}
	if target.IdentityFile != "" {
		fp, err := identityFingerprint(target.IdentityFile)
		if err != nil {
			return nil, &errdefs.SetupError{Op: "ssh " + name, Err: err}
		}
		s.fingerprint = fp
		log.WithFunc("connector.NewSSH").Debugf(ctx, "%s: identity %s (%s)", name, target.IdentityFile, fp)
	}
	s.Remote = NewRemote(name, s, s.closeMaster)
	return s, nil
}

// Fingerprint returns the SHA256 fingerprint of the configured identity, if any.
func (s *SSH) Fingerprint() string { return s.fingerprint }

// Exec runs argv on the remote machine. A failure of the ssh client itself
// (exit 255 with no remote status) is reported as a setup error.
func (s *SSH) Exec(ctx context.Context, argv []string, opts RunOptions) (process.Result, error) {
	checked := opts.Checked
	opts.Checked = false
	args := append(s.baseArgs(), "--", QuoteArgv(argv))
	res, err := process.Run(ctx, append([]string{s.target.Binary}, args...), opts.toProcess())
	if err != nil {
		return res, err
	}
	if res.ExitCode == sshConnectFailure && isClientFailure(res.Stderr) {
		return res, &errdefs.SetupError{Op: "ssh " + s.destination(), Err: errors.New(strings.TrimSpace(res.Stderr))}
	}
	if checked && res.ExitCode != 0 {
		return res, &errdefs.ProcessError{Argv: argv, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// InteractiveArgv returns the ssh command line that runs argv with a TTY,
// for callers that hand the terminal over (agent connect).
func (s *SSH) InteractiveArgv(argv []string) []string {
	args := append([]string{s.target.Binary, "-t"}, s.baseArgs()...)
	return append(args, "--", QuoteArgv(argv))
}

func (s *SSH) baseArgs() []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ConnectTimeout=10",
	}
	if s.target.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.target.Port))
	}
	if s.target.IdentityFile != "" {
		args = append(args, "-i", s.target.IdentityFile, "-o", "IdentitiesOnly=yes")
	}
	if s.target.ControlDir != "" {
		args = append(args,
			"-o", "ControlMaster=auto",
			"-o", "ControlPath="+s.target.ControlDir+"/%C",
			"-o", "ControlPersist=60",
		)
	}
	return append(args, s.destination())
}

func (s *SSH) destination() string {
	if s.target.User == "" {
		return s.target.Address
	}
	return s.target.User + "@" + s.target.Address
}

func (s *SSH) closeMaster() error {
	if s.target.ControlDir == "" {
		return nil
	}
	args := append([]string{s.target.Binary, "-O", "exit"}, s.baseArgs()...)
	_, err := process.Run(context.Background(), args, process.Options{})
	return err
}

// identityFingerprint parses the private key to prove it is usable. A
// passphrase-protected key falls back to the .pub file, since an agent may
// hold the decrypted key.
func identityFingerprint(path string) (string, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // configured identity
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err == nil {
		return ssh.FingerprintSHA256(signer.PublicKey()), nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return "", fmt.Errorf("parse identity: %w", err)
	}
	if missing.PublicKey != nil {
		return ssh.FingerprintSHA256(missing.PublicKey), nil
	}
	pub, err := os.ReadFile(path + ".pub") //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("identity is passphrase protected and %s.pub is unreadable: %w", path, err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(pub)
	if err != nil {
		return "", fmt.Errorf("parse %s.pub: %w", path, err)
	}
	return ssh.FingerprintSHA256(key), nil
}

func isClientFailure(stderr string) bool {
	for _, marker := range []string{
		"Could not resolve hostname",
		"Connection refused",
		"Connection timed out",
		"Permission denied",
		"Host key verification failed",
		"No route to host",
		"Connection closed by",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}
