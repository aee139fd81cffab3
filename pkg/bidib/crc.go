// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

// CRC-8 (Dallas/Maxim, x^8 + x^5 + x^4 + 1), reflected
const crcPolynomial = 0x8C

var crcTable = makeCRCTable(crcPolynomial)

func makeCRCTable(poly uint8) [256]uint8 {
	var table [256]uint8
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x01 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// UpdateCRC folds a single byte into a running CRC
func UpdateCRC(crc, b uint8) uint8 {
	return crcTable[b^crc]
}

// CalculateCRC computes the BiDiB CRC-8 for the given data, seeded at 0.
// Appending the result to data yields a sequence whose CRC is 0.
func CalculateCRC(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crcTable[b^crc]
	}
	return crc
}
