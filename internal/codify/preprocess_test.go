package codify

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessor_Preprocess(t *testing.T) {
	p := NewPreprocessor(testNow)

	tests := []struct {
		name    string
		raw     RawInput
		want    VehicleInput
		wantErr string
	}{
		{
			name: "canonical keys",
			raw:  RawInput{"model_year": 2020, "description": "TOYOTA YARIS SOL L"},
			want: VehicleInput{ModelYear: 2020, Description: "toyota yaris sol l"},
		},
		{
			name: "spanish accented keys",
			raw:  RawInput{"Año": "2019", "Descripción": "Camión Ñandú  doble cabina"},
			want: VehicleInput{ModelYear: 2019, Description: "camion nandu doble cabina"},
		},
		{
			name: "float year and short description key",
			raw:  RawInput{"year": 2021.0, "desc": "nissan versa"},
			want: VehicleInput{ModelYear: 2021, Description: "nissan versa"},
		},
		{
			name: "json number year",
			raw:  RawInput{"MODELO": json.Number("2018"), "vehiculo": "vw jetta"},
			want: VehicleInput{ModelYear: 2018, Description: "vw jetta"},
		},
		{
			name: "year derived from description",
			raw:  RawInput{"texto": "Nissan Versa 2018 Advance"},
			want: VehicleInput{ModelYear: 2018, Description: "nissan versa 2018 advance"},
		},
		{
			name:    "non numeric year",
			raw:     RawInput{"anio": "dos mil", "description": "nissan versa"},
			wantErr: "model_year",
		},
		{
			name:    "missing description",
			raw:     RawInput{"model_year": 2020, "color": "rojo"},
			wantErr: "description",
		},
		{
			name:    "year too old",
			raw:     RawInput{"model_year": 1979, "description": "vw sedan"},
			wantErr: "model_year",
		},
		{
			name:    "year too far ahead",
			raw:     RawInput{"model_year": 2032, "description": "vw sedan"},
			wantErr: "model_year",
		},
		{
			name:    "description is only a vin",
			raw:     RawInput{"model_year": 2020, "description": "1HGCM82633A004352"},
			wantErr: "description",
		},
		{
			name:    "fractional year",
			raw:     RawInput{"model_year": 2020.5, "description": "vw jetta"},
			wantErr: "model_year",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Preprocess(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				var invalid *InvalidInputError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, tt.wantErr, invalid.Field)
				assert.True(t, IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreprocessor_YearBounds(t *testing.T) {
	p := NewPreprocessor(testNow)

	_, err := p.Normalize(VehicleInput{ModelYear: MinModelYear, Description: "vw sedan"})
	assert.NoError(t, err)
	_, err = p.Normalize(VehicleInput{ModelYear: 2031, Description: "vw sedan"})
	assert.NoError(t, err)
	_, err = p.Normalize(VehicleInput{ModelYear: 2032, Description: "vw sedan"})
	assert.Error(t, err)
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"TOYOTA  YARIS YARIS sol", "toyota yaris sol"},
		{"Yaris 1HGCM82633A004352 Sol", "yaris sol"},
		{"yaris 1hgcm82633a004352", "yaris"},
		{"ÁBCDEFGH123456789 Yaris", "yaris"},
		{"yaris ÑBCDEFGH12345678", "yaris nbcdefgh12345678"},
		{"Motor 1.6 L. 4 cil.", "motor 1.6 l 4 cil"},
		{"  Pick-Up  Doble/Cabina ", "pick up doble cabina"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := NormalizeText(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, NormalizeText(got), "normalization is idempotent")
		})
	}
}

const vinAlphabet = "ABCDEFGHJKLMNPRSTUVWXYZ0123456789"

func randomToken(r *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = vinAlphabet[r.Intn(len(vinAlphabet))]
	}
	return string(b)
}

func TestStripVIN_Property(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		vin := randomToken(r, 17)
		if r.Intn(2) == 0 {
			vin = strings.ToLower(vin)
		}
		out := StripVIN("auto " + vin + " sol")
		assert.NotContains(t, out, vin, "valid VIN must be stripped")
		assert.Contains(t, out, "auto")
		assert.Contains(t, out, "sol")

		forbidden := []byte(randomToken(r, 17))
		forbidden[r.Intn(17)] = "IOQ"[r.Intn(3)]
		assert.Contains(t, StripVIN("auto "+string(forbidden)+" sol"), string(forbidden), "I, O and Q are never part of a VIN")

		for _, n := range []int{16, 18} {
			tok := randomToken(r, n)
			assert.Contains(t, StripVIN("auto "+tok+" sol"), tok, "only 17 character tokens are VINs")
		}
	}
}
