package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStringSet_Normalizes(t *testing.T) {
	s := NewStringSet(" Tel Aviv ", "haifa", "", "tel aviv", "Haifa", "Eilat")
	assert.Equal(t, StringSet{"Eilat", "haifa", "Tel Aviv"}, s)
	assert.True(t, s.Contains("TEL AVIV"))
	assert.True(t, s.Contains(" eilat"))
	assert.False(t, s.Contains("Jerusalem"))
}

func TestStringSet_Intersects(t *testing.T) {
	s := NewStringSet("Hebrew", "English")
	assert.True(t, s.Intersects([]string{"Russian", "english"}))
	assert.False(t, s.Intersects([]string{"Russian"}))
	assert.False(t, s.Intersects(nil))
}

func TestStringSet_NilMarshalsAsEmptyArray(t *testing.T) {
	data, err := json.Marshal(Preferences{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cities":[],"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[],"onlyDemanded":false}`, string(data))
}

func TestParseGender(t *testing.T) {
	tests := []struct {
		in      string
		want    Gender
		wantErr bool
	}{
		{"", GenderUnset, false},
		{"any", GenderUnset, false},
		{"Male", GenderMale, false},
		{" female ", GenderFemale, false},
		{"other", GenderUnset, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGender(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePreferences_RoundTrip(t *testing.T) {
	p := Preferences{
		Cities:    NewStringSet("Tel Aviv"),
		Languages: NewStringSet("Hebrew", "English"),
		Gender:    GenderFemale,
	}.Normalize()
	data, err := json.Marshal(p)
	require.NoError(t, err)

	got, err := DecodePreferences(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodePreferences_RejectsNullDimension(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"null cities", `{"cities":null,"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[],"onlyDemanded":false}`},
		{"missing languages", `{"cities":[],"categories":[],"employmentTypes":[],"documentTypes":[],"onlyDemanded":false}`},
		{"missing onlyDemanded", `{"cities":[],"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[]}`},
		{"unknown gender", `{"cities":[],"categories":[],"employmentTypes":[],"documentTypes":[],"languages":[],"gender":"x","onlyDemanded":false}`},
		{"not json", `{"cities":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePreferences([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPreferences))
		})
	}
}

func TestVerificationRequest_Timing(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &VerificationRequest{IssuedAt: issued, ExpiresAt: issued.Add(10 * time.Minute)}

	assert.True(t, r.Live(issued.Add(9*time.Minute)))
	assert.True(t, r.Expired(issued.Add(10*time.Minute)), "expiry is inclusive of expiresAt")
	assert.Equal(t, issued.Add(time.Minute), r.CanResendAt(time.Minute))

	now := issued.Add(time.Second)
	r.ConsumedAt = &now
	assert.False(t, r.Live(issued.Add(2*time.Second)))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
}
