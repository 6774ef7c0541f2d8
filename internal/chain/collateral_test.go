package chain

import "testing"

func TestFindCollateral(t *testing.T) {
	asset := AssetID{PolicyID: "d8beceb1ac736c92df8e1210fb39803508533ae9573cffeb2b24a839", AssetName: "4e6f646546656564"}

	tests := []struct {
		name  string
		utxos []UTxO
		want  string // expected Ref, "" when nil
	}{
		{
			name: "picks pure ada in range",
			utxos: []UTxO{
				{TxHash: "aa", Index: 0, Coin: 2_000_000},
				{TxHash: "bb", Index: 1, Coin: 5_000_000},
				{TxHash: "cc", Index: 0, Coin: 7_500_000},
			},
			want: "bb#1",
		},
		{
			name: "skips outputs carrying assets",
			utxos: []UTxO{
				{TxHash: "aa", Index: 0, Coin: 6_000_000, Assets: map[AssetID]uint64{asset: 1}},
				{TxHash: "bb", Index: 0, Coin: 6_000_000},
			},
			want: "bb#0",
		},
		{
			name: "upper bound is inclusive",
			utxos: []UTxO{
				{TxHash: "aa", Index: 0, Coin: 10_000_001},
				{TxHash: "bb", Index: 0, Coin: 10_000_000},
			},
			want: "bb#0",
		},
		{
			name: "nothing suitable",
			utxos: []UTxO{
				{TxHash: "aa", Index: 0, Coin: 1_000_000},
				{TxHash: "bb", Index: 0, Coin: 50_000_000},
				{TxHash: "cc", Index: 0, Coin: 6_000_000, Assets: map[AssetID]uint64{asset: 2}},
			},
			want: "",
		},
		{
			name:  "empty set",
			utxos: nil,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindCollateral(tt.utxos)
			if tt.want == "" {
				if got != nil {
					t.Errorf("FindCollateral() = %s; want nil", got.Ref())
				}
				return
			}
			if got == nil {
				t.Fatalf("FindCollateral() = nil; want %s", tt.want)
			}
			if got.Ref() != tt.want {
				t.Errorf("FindCollateral() = %s; want %s", got.Ref(), tt.want)
			}
		})
	}
}
