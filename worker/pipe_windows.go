//go:build windows

package worker

import (
	"context"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

// listenAddr открывает слушатель по адресу npipe:\\.\pipe\name или tcp-хосту.
func listenAddr(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "npipe:") {
		return winio.ListenPipe(strings.TrimPrefix(addr, "npipe:"), nil)
	}
	if strings.HasPrefix(addr, "unix:") {
		path := strings.TrimPrefix(addr, "unix:")
		path = strings.TrimPrefix(path, "//")
		removeIfExists(path)
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

// dialAddr подключается к адресу воркера.
func dialAddr(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "npipe:") {
		return winio.DialPipeContext(ctx, strings.TrimPrefix(addr, "npipe:"))
	}
	if strings.HasPrefix(addr, "unix:") {
		path := strings.TrimPrefix(addr, "unix:")
		path = strings.TrimPrefix(path, "//")
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
