// Package script runs the external state change hooks of a virtual router.
package script

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	EnvBridgeName   = "BRIDGEIF_NAME"
	EnvBridgeDLAddr = "BRIDGEIF_DLADDR"
)

// Invocation is a fully built script call. It owns its slices.
type Invocation struct {
	Path string
	Args []string
	Env  map[string]string
}

// Builder accumulates the arguments and extra environment of an Invocation.
type Builder struct {
	path string
	args []string
	env  map[string]string
}

func New(path string) *Builder {
	return &Builder{path: path, env: make(map[string]string)}
}

func (b *Builder) Arg(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

func (b *Builder) Env(key, value string) *Builder {
	b.env[key] = value
	return b
}

func (b *Builder) Build() Invocation {
	inv := Invocation{
		Path: b.path,
		Args: append([]string(nil), b.args...),
		Env:  make(map[string]string, len(b.env)),
	}
	for k, v := range b.env {
		inv.Env[k] = v
	}
	return inv
}

// StateInvocation builds the call of a state script:
//
//	<path> <verb> <iface> "<ip/prefix> <ip/prefix> ..."
//
// with BRIDGEIF_NAME and BRIDGEIF_DLADDR in the environment. The address
// list is a single argument.
func StateInvocation(path, verb, iface string, addrs []string, bridge string, dladdr net.HardwareAddr) Invocation {
	return New(path).
		Arg(verb, iface, strings.Join(addrs, " ")).
		Env(EnvBridgeName, bridge).
		Env(EnvBridgeDLAddr, dladdr.String()).
		Build()
}

// Environ merges extra into parent. Variables of extra replace those of the
// same name in parent; new ones are appended in name order.
func Environ(parent []string, extra map[string]string) []string {
	out := make([]string, 0, len(parent)+len(extra))
	seen := make(map[string]struct{}, len(extra))
	for _, kv := range parent {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if v, ok := extra[name]; ok {
			if _, dup := seen[name]; !dup {
				out = append(out, name+"="+v)
				seen[name] = struct{}{}
			}
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// Runner spawns scripts and waits for them.
type Runner struct {
	// Timeout bounds each run. Zero means no bound besides the context.
	Timeout time.Duration
	// Parent returns the environment scripts inherit, os.Environ when nil.
	Parent func() []string
	Log    logrus.FieldLogger
}

// Run executes inv and returns its exit status. Failures to spawn return
// the negated errno, a script killed by a signal returns -EINTR and a
// script that outlives the timeout is killed and returns -ETIMEDOUT.
func (r *Runner) Run(ctx context.Context, inv Invocation) int {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	parent := os.Environ
	if r.Parent != nil {
		parent = r.Parent
	}
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Env = Environ(parent(), inv.Env)
	log = log.WithField("script", inv.Path)
	if err := cmd.Start(); err != nil {
		code := -int(errnoOf(err))
		log.WithError(err).Errorf("running script failed with error %d", -code)
		return code
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Error("script killed")
			return -int(syscall.ETIMEDOUT)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			log.WithError(err).Error("waiting for script failed")
			return -int(errnoOf(err))
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			log.Warnf("script terminated by %v", ws.Signal())
			return -int(syscall.EINTR)
		}
		log.Infof("script exited with status %d", exitErr.ExitCode())
		return exitErr.ExitCode()
	}
	log.Debug("script exited with status 0")
	return 0
}

func errnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}
