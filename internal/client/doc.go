// Package client is the terminal host client library embedded in each
// application process. It lazily establishes one connection to the host
// socket, spawning the host as a detached background process when absent,
// correlates requests to responses by id, and re-emits unsolicited host
// events to local subscribers.
package client
