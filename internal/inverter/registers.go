package inverter

import "encoding/binary"

// register offsets, 0-based, as laid out by the inverter's Modbus map.
const (
	regPVPower      = 67
	regBatteryPower = 69
	regHousePower   = 71
	regGridPower    = 73
	regAutarkySelfC = 81
	regBatterySOC   = 82
)

// decodeInt32 combines two 16-bit registers stored low-word-first into a
// two's-complement 32-bit signed integer.
func decodeInt32(low, high uint16) int32 {
	combined := uint32(high)<<16 | uint32(low)
	return int32(combined)
}

// splitWords reads the low/high register pair out of a 4-byte big-endian
// Modbus response (first register is the low word, second is the high).
func splitWords(b []byte) (low, high uint16) {
	low = binary.BigEndian.Uint16(b[0:2])
	high = binary.BigEndian.Uint16(b[2:4])
	return
}

// autarkySelfConsumption unpacks register 81: high byte is autarky percent,
// low byte is self-consumption percent.
func autarkySelfConsumption(reg uint16) (autarky, selfConsumption float64) {
	autarky = float64(reg >> 8)
	selfConsumption = float64(reg & 0xFF)
	return
}
