package handshake

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// SocketWaitFlag is the child argument carrying the handshake port
const SocketWaitFlag = "-socketwait"

// Dial connects a child to the watchdog listening on port. handler serves
// queries sent by the watchdog and may be nil.
func Dial(ctx context.Context, port int, handler Handler, logger *slog.Logger) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to watchdog on port %d: %w", port, err)
	}
	return newConn(c, handler, logger), nil
}

// PortFromArgs finds "-socketwait <port>" in a child's argv. ok is false
// when the child was started without a watchdog.
func PortFromArgs(args []string) (port int, ok bool, err error) {
	for i := 0; i < len(args); i++ {
		if args[i] != SocketWaitFlag {
			continue
		}
		if i+1 >= len(args) {
			return 0, false, fmt.Errorf("%s requires a port", SocketWaitFlag)
		}
		port, err = strconv.Atoi(args[i+1])
		if err != nil || port <= 0 || port > 65535 {
			return 0, false, fmt.Errorf("invalid %s port %q", SocketWaitFlag, args[i+1])
		}
		return port, true, nil
	}
	return 0, false, nil
}

// RegisterFlag adds -socketwait to fs for children that parse flags with the flag package
func RegisterFlag(fs *flag.FlagSet) *int {
	return fs.Int(SocketWaitFlag[1:], 0, "watchdog handshake port")
}
