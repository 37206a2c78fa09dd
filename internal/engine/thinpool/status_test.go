package thinpool

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Status
		wantErr bool
	}{
		{
			name: "healthy pool with room to spare",
			line: "0 204800 thin-pool 1 100/4096 2048/524288 rw discard_passdown queue_if_no_space -",
			want: Status{
				TransactionId:       1,
				UsedMetadataBlocks:  100,
				TotalMetadataBlocks: 4096,
				UsedDataBlocks:      2048,
				TotalDataBlocks:     524288,
				Flags: map[HealthFlag]bool{
					"rw": true, "discard_passdown": true, "queue_if_no_space": true, "-": true,
				},
			},
		},
		{
			name: "out of data space",
			line: "0 204800 thin-pool 7 200/4096 524288/524288 ro out_of_data_space error_if_no_space",
			want: Status{
				TransactionId:       7,
				UsedMetadataBlocks:  200,
				TotalMetadataBlocks: 4096,
				UsedDataBlocks:      524288,
				TotalDataBlocks:     524288,
				Flags: map[HealthFlag]bool{
					"ro": true, "out_of_data_space": true, "error_if_no_space": true,
				},
			},
		},
		{
			name:    "not a thin-pool target",
			line:    "0 204800 linear 0",
			wantErr: true,
		},
		{
			name:    "too short",
			line:    "0 204800 thin-pool",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStatus(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseStatus(%q) should have failed", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStatus(%q): %v", tt.line, err)
			}
			if got.TransactionId != tt.want.TransactionId ||
				got.UsedMetadataBlocks != tt.want.UsedMetadataBlocks ||
				got.TotalMetadataBlocks != tt.want.TotalMetadataBlocks ||
				got.UsedDataBlocks != tt.want.UsedDataBlocks ||
				got.TotalDataBlocks != tt.want.TotalDataBlocks {
				t.Fatalf("ParseStatus(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
			for flag, want := range tt.want.Flags {
				if got.Flags[flag] != want {
					t.Fatalf("ParseStatus(%q) flag %q = %v, want %v", tt.line, flag, got.Flags[flag], want)
				}
			}
		})
	}
}

func TestVerifyHealthPriority(t *testing.T) {
	tests := []struct {
		name string
		s    Status
		want SupervisorState
	}{
		{"all clear", Status{Flags: map[HealthFlag]bool{"rw": true}}, StateGood},
		{"read only", Status{Flags: map[HealthFlag]bool{"ro": true}}, StateReadOnly},
		{"out of data space wins over read only", Status{Flags: map[HealthFlag]bool{"ro": true, "out_of_data_space": true}}, StateOutOfSpace},
		{"needs check wins over everything", Status{Flags: map[HealthFlag]bool{"out_of_data_space": true, "needs_check": true}}, StateFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.VerifyHealth(); got != tt.want {
				t.Fatalf("VerifyHealth() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLowWaterThresholds(t *testing.T) {
	s := Status{UsedDataBlocks: 90, TotalDataBlocks: 100, UsedMetadataBlocks: 40, TotalMetadataBlocks: 100}
	if !s.DataLowWaterTripped(80) {
		t.Fatalf("90%% used data should trip an 80%% low-water mark")
	}
	if s.MetadataLowWaterTripped(80) {
		t.Fatalf("40%% used metadata should not trip an 80%% low-water mark")
	}
}
