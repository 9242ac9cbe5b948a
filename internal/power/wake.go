// Package power wakes the gaming PC, waits for its companion agent to
// report healthy, and launches the game client at the paired server.
package power

import (
	"fmt"
	"net"
)

// wolPort is the conventional wake-on-LAN discard port.
const wolPort = 9

// MagicPacket builds the wake-on-LAN frame for a MAC address: six 0xFF
// bytes followed by the target MAC sixteen times.
func MagicPacket(macAddress string) ([]byte, error) {
	hw, err := net.ParseMAC(macAddress)
	if err != nil {
		return nil, fmt.Errorf("parse mac: %w", err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("unsupported mac length %d", len(hw))
	}

	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// Wake broadcasts the magic packet on the local network.
func Wake(macAddress string) error {
	packet, err := MagicPacket(macAddress)
	if err != nil {
		return err
	}

	conn, err := net.Dial("udp", fmt.Sprintf("255.255.255.255:%d", wolPort))
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("send magic packet: %w", err)
	}
	return nil
}
