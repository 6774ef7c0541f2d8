package chain

// NetworkParams holds the per-network constants required to translate
// between wall-clock time and slots after the Shelley hard fork.
type NetworkParams struct {
	Name              string
	Magic             uint32
	ShelleyOffsetSlot uint64
	ShelleyOffsetTime int64
}

var Networks = map[string]NetworkParams{
	"mainnet": {
		Name:              "mainnet",
		Magic:             764824073,
		ShelleyOffsetSlot: 4492800,
		ShelleyOffsetTime: 1596059091,
	},
	"preprod": {
		Name:              "preprod",
		Magic:             1,
		ShelleyOffsetSlot: 86400,
		ShelleyOffsetTime: 1655769600,
	},
}

// NetworkNameForMagic maps a genesis magic back to its network name,
// returning "" when the magic is unknown.
func NetworkNameForMagic(magic uint32) string {
	for name, params := range Networks {
		if params.Magic == magic {
			return name
		}
	}
	return ""
}

func (p NetworkParams) UnixTimeToSlot(unixTime int64) uint64 {
	return p.ShelleyOffsetSlot + uint64(unixTime-p.ShelleyOffsetTime)
}

func (p NetworkParams) SlotToUnixTime(slot uint64) int64 {
	return p.ShelleyOffsetTime + int64(slot-p.ShelleyOffsetSlot)
}

// SlotToPosixMs resolves the chain slot into POSIX milliseconds, the time
// base shared with on-chain datum timestamps.
func (p NetworkParams) SlotToPosixMs(slot uint64) int64 {
	return p.SlotToUnixTime(slot) * 1000
}
