// Package protocol defines the wire contract between the terminal host and
// its clients: newline-delimited JSON frames of three kinds multiplexed over
// one local socket connection.
//
//   - request  {type, id, command, payload}   client -> host
//   - response {type, id, ok, result | error} host -> client, correlated by id
//   - event    {type, event, payload}         host -> client(s), unsolicited
//
// Every frame ends in exactly one newline. Receivers buffer partial reads
// until a newline is seen before decoding. Payloads are typed per command and
// decoded through an explicit validate step rather than accessed as loose
// maps.
package protocol
