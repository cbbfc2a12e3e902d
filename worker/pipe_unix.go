//go:build !windows

package worker

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// listenAddr открывает слушатель по адресу unix:/path или tcp-хосту.
func listenAddr(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "unix:") {
		path := strings.TrimPrefix(addr, "unix:")
		path = strings.TrimPrefix(path, "//")
		removeIfExists(path)
		return net.Listen("unix", path)
	}
	if strings.HasPrefix(addr, "npipe:") {
		return nil, fmt.Errorf("named pipes are supported only on Windows (requested %s)", addr)
	}
	return net.Listen("tcp", addr)
}

// dialAddr подключается к адресу воркера.
func dialAddr(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "unix:") {
		path := strings.TrimPrefix(addr, "unix:")
		path = strings.TrimPrefix(path, "//")
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
	if strings.HasPrefix(addr, "npipe:") {
		return nil, fmt.Errorf("named pipes are supported only on Windows (requested %s)", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
