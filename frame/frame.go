// Package frame defines the transaction type exchanged between an emulated
// I2C slave and the handlers of its protocol engine.
package frame

import (
	"fmt"
	"strings"
)

// MaxDataBytes is the maximum number of data bytes kept in a transaction. It
// matches the depth of the controller receive FIFO.
const MaxDataBytes = 16

// Transaction represents one write transaction of the bus master: the first
// byte written is the command, the following bytes are data.
//
// Size of Data is fixed to ensure no heap allocations are necessary. To find
// out how many elements are used, use Len().
type Transaction struct {
	Command byte
	Data    [MaxDataBytes]byte
	N       uint8
}

// New returns a transaction with command cmd and the given data. Data beyond
// MaxDataBytes is dropped.
func New(cmd byte, data ...byte) Transaction {
	t := Transaction{Command: cmd}
	for _, b := range data {
		if !t.Append(b) {
			break
		}
	}
	return t
}

// Append adds b to the data of the transaction and returns false if the
// transaction is full.
func (t *Transaction) Append(b byte) bool {
	if t.N >= MaxDataBytes {
		return false
	}
	t.Data[t.N] = b
	t.N++
	return true
}

// Len returns the number of data bytes.
func (t Transaction) Len() int {
	return int(t.N)
}

// Bytes returns the data bytes. The returned slice aliases t.Data when t is
// addressable.
func (t *Transaction) Bytes() []byte {
	return t.Data[:t.N]
}

// Equal returns true if the data bytes are exactly payload.
func (t Transaction) Equal(payload []byte) bool {
	if int(t.N) != len(payload) {
		return false
	}
	for i, b := range payload {
		if t.Data[i] != b {
			return false
		}
	}
	return true
}

// ToBytes serializes the transaction as it appears on the bus, command byte
// first, and returns the number of bytes written. b must hold at least
// Len()+1 bytes.
func (t Transaction) ToBytes(b []byte) int {
	b[0] = t.Command
	return 1 + copy(b[1:], t.Data[:t.N])
}

func (t Transaction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cmd=0x%02x data=[", t.Command)
	for i, b := range t.Data[:t.N] {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	sb.WriteByte(']')
	return sb.String()
}
