// Package federation connects one storage zone to a peer zone of the same
// federation. A PeerConnection spreads calls over the peer's endpoints
// round-robin, signs them with the local zone's system key, and either
// relays a metadata request (Forward) or streams an object to or from the
// peer through a SendSession or ReceiveSession.
package federation
