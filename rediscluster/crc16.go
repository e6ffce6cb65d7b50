package rediscluster

import "strings"

// NumSlots is the fixed size of the cluster keyspace.
const NumSlots = 16384

// crc16tab is the CCITT/XMODEM table (poly 0x1021) redis cluster hashes with.
var crc16tab = func() [256]uint16 {
	var tab [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return tab
}()

// CRC16 implements the checksum used for slot hashing.
func CRC16(buf []byte) uint16 {
	crc := uint16(0)
	for _, b := range buf {
		crc = crc<<8 ^ crc16tab[byte(crc>>8)^b]
	}
	return crc
}

// Slot returns the hash slot for key. When the key contains a non-empty
// hash tag ("{...}"), only the tag is hashed, so keys sharing a tag land on
// the same slot.
func Slot(key string) uint16 {
	if s := strings.IndexByte(key, '{'); s >= 0 {
		if e := strings.IndexByte(key[s+1:], '}'); e > 0 {
			key = key[s+1 : s+1+e]
		}
	}
	return CRC16([]byte(key)) % NumSlots
}
