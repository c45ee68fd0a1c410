package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/handshake"
)

const (
	// ListenFDsEnv lists descriptors inherited by a privileged child as "fd:addr,fd:addr"
	ListenFDsEnv = "WATCHDOG_LISTEN_FDS"
	// ServerIDEnv names the server a child was started for
	ServerIDEnv = "WATCHDOG_SERVER_ID"

	logManagerClass = "com.phpeek.server.logging.WatchdogLogManager"
)

// managedProperties are system properties the launcher always sets itself;
// user supplied -D flags for them are dropped.
var managedProperties = []string{
	"java.awt.headless",
	"watchdog.server.id",
	"java.util.logging.manager",
	"server.home",
	"server.root",
}

// StartArgs are the per-request additions to an identity's launch arguments
type StartArgs struct {
	JVMArgs []string `json:"jvm_args,omitempty"`
	Args    []string `json:"args,omitempty"`
	Message string   `json:"message,omitempty"` // shutdown or restart reason passed to the next start
}

// Child is a launched OS process as handed to its supervisor
type Child struct {
	Cmd    *exec.Cmd
	Pid    int
	Output *os.File       // read end of the merged stdout/stderr pipe
	Stdin  io.WriteCloser // closing it is the soft stop signal

	release func()
}

// Release tells the spawner the child has been reaped
func (c *Child) Release() {
	if c.release != nil {
		c.release()
	}
}

// Spawner starts a child for an identity. handshakePort is already listening.
type Spawner interface {
	Spawn(ctx context.Context, id *config.Identity, args StartArgs, handshakePort int) (*Child, error)
}

// Launcher builds the child command line and starts it. It remembers the
// pids it started until their supervisor reaped them.
type Launcher struct {
	priv   PrivilegedExec
	logger *slog.Logger

	mu   sync.Mutex
	live map[int]struct{}
}

// NewLauncher creates a launcher using priv for privilege drops
func NewLauncher(priv PrivilegedExec, logger *slog.Logger) *Launcher {
	return &Launcher{
		priv:   priv,
		logger: logger.With("component", "launcher"),
		live:   make(map[int]struct{}),
	}
}

// BuildArgs returns argv without the executable
func BuildArgs(id *config.Identity, args StartArgs, handshakePort int) []string {
	argv := []string{
		"-Djava.awt.headless=true",
		"-Dwatchdog.server.id=" + id.DisplayID(),
		"-Djava.util.logging.manager=" + logManagerClass,
	}
	if id.HomeDirectory != "" {
		argv = append(argv, "-Dserver.home="+id.HomeDirectory)
	}
	if id.RootDirectory != "" {
		argv = append(argv, "-Dserver.root="+id.RootDirectory)
	}
	if id.Is64Bit {
		argv = append(argv, "-d64")
	}

	argv = append(argv, filterJVMArgs(id.JVMArgs)...)
	argv = append(argv, filterJVMArgs(args.JVMArgs)...)

	if len(id.Classpath) > 0 {
		argv = append(argv, "-cp", strings.Join(id.Classpath, string(os.PathListSeparator)))
	}
	argv = append(argv, id.MainClass)

	if id.ConfigFile != "" {
		argv = append(argv, "-conf", id.ConfigFile)
	}
	argv = append(argv, "-server", id.DisplayID())
	if id.RootDirectory != "" {
		argv = append(argv, "--root-directory", id.RootDirectory)
	}
	if id.Elastic {
		argv = append(argv, "-elastic")
	}
	if id.Dynamic {
		argv = append(argv, "-dynamic")
	}
	argv = append(argv, id.Args...)
	argv = append(argv, args.Args...)

	return append(argv, handshake.SocketWaitFlag, strconv.Itoa(handshakePort))
}

// filterJVMArgs drops flags the launcher manages itself
func filterJVMArgs(in []string) []string {
	out := make([]string, 0, len(in))
	for i := 0; i < len(in); i++ {
		arg := in[i]
		switch {
		case arg == "-cp" || arg == "-classpath":
			i++ // value
			continue
		case arg == "-d64" || arg == "-d32":
			continue
		case strings.HasPrefix(arg, "-D"):
			key, _, _ := strings.Cut(arg[2:], "=")
			if slices.Contains(managedProperties, key) {
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

// buildEnv returns the inherited environment plus identity overrides, sorted for determinism
func buildEnv(id *config.Identity) []string {
	env := os.Environ()
	keys := make([]string, 0, len(id.Env))
	for k := range id.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+id.Env[k])
	}
	if id.JavaHome != "" {
		env = append(env, "JAVA_HOME="+id.JavaHome)
	}
	return append(env, ServerIDEnv+"="+id.DisplayID())
}

// Spawn starts the child. Listen sockets bound for inheritance are closed
// in the parent before Spawn returns, on success and on failure.
func (l *Launcher) Spawn(ctx context.Context, id *config.Identity, args StartArgs, handshakePort int) (*Child, error) {
	cmd := exec.Command(id.JavaExe, BuildArgs(id, args, handshakePort)...)
	cmd.Dir = id.WorkingDir
	cmd.Env = buildEnv(id)
	cmd.SysProcAttr = newSysProcAttr()

	if id.PrivilegeDrop() {
		if !l.priv.Available() {
			return nil, Errorf(KindConfiguration, "start", id.DisplayID(),
				"user/group/chroot configured but the watchdog cannot drop privileges (not running as root)")
		}
		if err := l.priv.Apply(cmd, id); err != nil {
			return nil, &Error{Kind: KindConfiguration, Op: "start", ID: id.DisplayID(), Err: err}
		}

		files, spec, err := bindListenPorts(id.ListenPorts)
		defer closeAll(files)
		if err != nil {
			return nil, &Error{Kind: KindConfiguration, Op: "start", ID: id.DisplayID(), Err: err}
		}
		if len(files) > 0 {
			cmd.ExtraFiles = files
			cmd.Env = append(cmd.Env, ListenFDsEnv+"="+spec)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	l.logger.Info("Launching server",
		"server", id.DisplayID(),
		"executable", id.JavaExe,
		"handshake_port", handshakePort,
		"privileged", id.PrivilegeDrop(),
	)
	l.logger.Debug("Server command line", "server", id.DisplayID(), "args", cmd.Args)

	// held across Start so Owns never misses a pid that already exists
	l.mu.Lock()
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		outR.Close()
		outW.Close()
		stdin.Close()
		kind := KindInternal
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			kind = KindConfiguration
		}
		return nil, &Error{Kind: kind, Op: "start", ID: id.DisplayID(), Err: fmt.Errorf("failed to start %s: %w", id.JavaExe, err)}
	}
	pid := cmd.Process.Pid
	l.live[pid] = struct{}{}
	l.mu.Unlock()

	// only the child holds the write end now, so its exit yields EOF
	outW.Close()

	return &Child{
		Cmd:     cmd,
		Pid:     pid,
		Output:  outR,
		Stdin:   stdin,
		release: func() { l.forget(pid) },
	}, nil
}

// Owns reports whether pid was started by the launcher and not yet reaped
// by its supervisor. Other reapers must leave such pids alone.
func (l *Launcher) Owns(pid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live[pid]
	return ok
}

func (l *Launcher) forget(pid int) {
	l.mu.Lock()
	delete(l.live, pid)
	l.mu.Unlock()
}

// bindListenPorts binds every address and returns dup'ed descriptors for
// inheritance starting at fd 3, with the matching env spec.
func bindListenPorts(addrs []string) ([]*os.File, string, error) {
	var files []*os.File
	var spec []string
	for i, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return files, "", fmt.Errorf("failed to bind listen port %s: %w", addr, err)
		}
		tl, ok := ln.(*net.TCPListener)
		if !ok {
			ln.Close()
			return files, "", fmt.Errorf("unsupported listener type %T", ln)
		}
		f, err := tl.File()
		// the dup keeps the socket bound; the listener itself is no longer needed
		tl.Close()
		if err != nil {
			return files, "", fmt.Errorf("failed to get descriptor for %s: %w", addr, err)
		}
		files = append(files, f)
		spec = append(spec, fmt.Sprintf("%d:%s", 3+i, addr))
	}
	return files, strings.Join(spec, ","), nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
