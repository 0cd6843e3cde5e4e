package topology

import (
	"bytes"
	"net"
	"strconv"
	"strings"

	"github.com/luma/respmux/command"
)

// SlotCount is the number of hash slots a cluster divides keys into.
const SlotCount = 16384

var crc16Table [256]uint16

func init() {
	// CRC16/XMODEM, polynomial 0x1021
	for i := range crc16Table {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 is the XMODEM variant clusters hash keys with.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// Slot returns the hash slot of key. When the key contains a non-empty {tag}
// only the tag is hashed, so related keys can be kept on one node.
func Slot(key []byte) int {
	if start := bytes.IndexByte(key, '{'); start >= 0 {
		if end := bytes.IndexByte(key[start+1:], '}'); end > 0 {
			key = key[start+1 : start+1+end]
		}
	}

	return int(CRC16(key)) % SlotCount
}

// Redirect is a MOVED or ASK reply.
type Redirect struct {
	Ask  bool
	Slot int
	Addr string
}

// ParseRedirect recognises MOVED and ASK errors, as in
// "MOVED 3999 127.0.0.1:6381".
func ParseRedirect(err *command.ServerError) (Redirect, bool) {
	if err == nil || (err.Prefix != "MOVED" && err.Prefix != "ASK") {
		return Redirect{}, false
	}

	fields := strings.Fields(err.Message)
	if len(fields) != 3 {
		return Redirect{}, false
	}

	slot, perr := strconv.Atoi(fields[1])
	if perr != nil || slot < 0 || slot >= SlotCount {
		return Redirect{}, false
	}

	return Redirect{Ask: err.Prefix == "ASK", Slot: slot, Addr: fields[2]}, true
}

// From fills in the host of a redirect that only names a port, as in
// "MOVED 3999 :6381", with the host of addr, the node that sent it.
func (r Redirect) From(addr string) Redirect {
	host, port, err := net.SplitHostPort(r.Addr)
	if err != nil || host != "" {
		return r
	}

	if fromHost, _, err := net.SplitHostPort(addr); err == nil {
		r.Addr = net.JoinHostPort(fromHost, port)
	}

	return r
}
