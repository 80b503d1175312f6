package authorize

import "net"

// newLoopbackListener binds an ephemeral port on 127.0.0.1; the chosen
// port becomes part of the redirect_uri.
func newLoopbackListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}
