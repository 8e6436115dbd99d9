package validator

import (
	"testing"

	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic_Valid(t *testing.T) {
	topic, err := ParseTopic("Colombia/Cundinamarca/Bogota/dev-01/alice")
	require.NoError(t, err)

	assert.Equal(t, Topic{
		Country:        "Colombia",
		State:          "Cundinamarca",
		City:           "Bogota",
		DeviceClientID: "dev-01",
		Username:       "alice",
	}, topic)
}

func TestParseTopic_KeepsSpaces(t *testing.T) {
	topic, err := ParseTopic("Colombia/Valle del Cauca/San Andres/dev 7/Bob")
	require.NoError(t, err)
	assert.Equal(t, "Valle del Cauca", topic.State)
	assert.Equal(t, "Bob", topic.Username)
}

func TestParseTopic_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		topic string
	}{
		{"empty", ""},
		{"too few levels", "Colombia/Cundinamarca/Bogota/dev-01"},
		{"too many levels", "Colombia/Cundinamarca/Bogota/dev-01/alice/extra"},
		{"empty level", "Colombia//Bogota/dev-01/alice"},
		{"trailing slash", "Colombia/Cundinamarca/Bogota/dev-01/"},
		{"leading slash", "/Cundinamarca/Bogota/dev-01/alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTopic(tt.topic)
			require.Error(t, err)
			assert.Equal(t, errs.KindParse, errs.KindOf(err))
		})
	}
}

func TestParsePayload_Valid(t *testing.T) {
	fields, err := ParsePayload([]byte(`{"temperature": 23.5, "humidity": 60.0, "co2": 415, "delta": -1.5e-2}`))
	require.NoError(t, err)

	assert.Equal(t, []Field{
		{Name: "co2", Value: 415},
		{Name: "delta", Value: -0.015},
		{Name: "humidity", Value: 60},
		{Name: "temperature", Value: 23.5},
	}, fields)
}

func TestParsePayload_CaseSensitiveNames(t *testing.T) {
	fields, err := ParsePayload([]byte(`{"Temp": 1, "temp": 2}`))
	require.NoError(t, err)
	assert.Len(t, fields, 2)
}

func TestParsePayload_EmptyObject(t *testing.T) {
	fields, err := ParsePayload([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestParsePayload_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `temperature=23.5`},
		{"empty", ``},
		{"array", `[1, 2]`},
		{"null", `null`},
		{"string value", `{"temperature": "23.5"}`},
		{"bool value", `{"on": true}`},
		{"null value", `{"temperature": null}`},
		{"nested object", `{"temperature": {"value": 23.5}}`},
		{"one bad among good", `{"temperature": 23.5, "humidity": "high"}`},
		{"empty name", `{"": 1}`},
		{"trailing data", `{"a": 1} {"b": 2}`},
		{"out of range", `{"a": 1e999}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := ParsePayload([]byte(tt.payload))
			require.Error(t, err)
			assert.Nil(t, fields)
			assert.Equal(t, errs.KindParse, errs.KindOf(err))
		})
	}
}

func TestEncodeField_RoundTrip(t *testing.T) {
	payload, err := EncodeField(Field{Name: "humidity", Value: 60})
	require.NoError(t, err)

	fields, err := ParsePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, []Field{{Name: "humidity", Value: 60}}, fields)
}
