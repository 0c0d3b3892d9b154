// Package transport defines the narrow session interface through which
// communication primitives reach the underlying message fabric, together
// with the built-in session implementations (in-process broker, Redis
// pub/sub) and a multi-session wrapper.
//
// Primitives depend only on the Session interface and never on which
// implementation — or how many concurrent sessions — sit behind it.
package transport
