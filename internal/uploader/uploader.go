// Package uploader composes the external point-to-point transfer command
// and produces process-table handles for it — the opaque "Uploader
// factory" the core consumes (spec §1, §6). The only concrete
// implementation shells out to /bin/ascp, grounded on
// transfer_manager.py's transfer() argument-building.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/vubiquity/dispatchd/internal/constants"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/queue"
)

// Uploader produces a running child-process handle for one admitted path.
type Uploader interface {
	Spawn(ctx context.Context, source model.Source, path string) (*queue.Handle, error)
}

// Aspera composes an /bin/ascp invocation per spec §6. keysDir is the
// directory SSH public-key material is written to, one file per source.
type Aspera struct {
	Binary  string
	KeysDir string
}

// New returns an Aspera uploader writing key material under keysDir.
func New(keysDir string) *Aspera {
	return &Aspera{Binary: constants.AsperaBinary, KeysDir: keysDir}
}

// Spawn builds the argv for source and path, starts it, and returns a
// process-table handle with buffered stdout/stderr (spec §4.4 "capturing
// standard output and standard error").
func (a *Aspera) Spawn(ctx context.Context, source model.Source, path string) (*queue.Handle, error) {
	args, env, err := a.buildArgs(source, path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, a.binary(), args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	return queue.NewHandle(source.Name, path, cmd, &stdout, &stderr)
}

func (a *Aspera) binary() string {
	if a.Binary != "" {
		return a.Binary
	}
	return constants.AsperaBinary
}

// buildArgs composes the argument vector and leading environment
// assignments for one transfer, per spec §6's bit-exact shape:
//
//	[ASPERA_SCP_PASS=...] [ASPERA_SCP_FILEPASS=...] /bin/ascp
//	  --ignore-host-key -k2 -d -TQ -l <speed>M -m 10K -P <port>
//	  [-i <keyfile>] [--file-crypt=encrypt]
//	  --src-base=<poller.path> <path> <user>@<host>:/<destination?>
func (a *Aspera) buildArgs(source model.Source, path string) ([]string, []string, error) {
	var env []string
	if source.Password != "" {
		env = append(env, "ASPERA_SCP_PASS="+source.Password)
	}
	if source.Encrypt && source.EncryptPassphrase != "" {
		env = append(env, "ASPERA_SCP_FILEPASS="+source.EncryptPassphrase)
	}

	args := []string{
		"--ignore-host-key", "-k2", "-d", "-TQ",
		"-l", strconv.Itoa(source.TransferSpeed) + "M", "-m", "10K",
		"-P", strconv.Itoa(source.SSHPort),
	}

	if len(source.SSHKey) > 0 {
		keyPath, err := a.writeKey(source.Name, source.SSHKey)
		if err != nil {
			return nil, nil, fmt.Errorf("write ssh key for %s: %w", source.Name, err)
		}
		args = append(args, "-i", keyPath)
	}

	if source.Encrypt {
		args = append(args, "--file-crypt=encrypt")
	}

	args = append(args, "--src-base="+source.Path)
	args = append(args, path)

	dest := fmt.Sprintf("%s@%s:/", source.Username, source.Host)
	if source.Destination != "" {
		dest += source.Destination + "/"
	}
	args = append(args, dest)

	return args, env, nil
}

// writeKey rewrites <KeysDir>/<name>.pub on every call, matching the
// original's transfer() which writes the key file on every spawn rather
// than caching it. Writes are serialized because the Supervisor spawns one
// path at a time within a Tick (spec §5 "never concurrently written for the
// same source").
func (a *Aspera) writeKey(name string, key []byte) (string, error) {
	if err := os.MkdirAll(a.KeysDir, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(a.KeysDir, name+".pub")
	if err := os.WriteFile(path, key, 0600); err != nil {
		return "", err
	}
	return path, nil
}
