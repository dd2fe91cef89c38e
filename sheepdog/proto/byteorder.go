package proto

import "encoding/binary"

// le is the wire byte order. The protocol is little-endian on the wire;
// unlike the source (which assumed a little-endian host and punned
// structs directly over the socket buffer), this client converts
// explicitly so it behaves correctly on any host.
var le = binary.LittleEndian
