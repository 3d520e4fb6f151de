package durably

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type serializerGreeting struct {
	Name  string
	Count int
}

type serializerWithSlice struct {
	Tags  []string
	Attrs map[string]int
}

func init() {
	safeGobRegister(serializerGreeting{}, nil)
	safeGobRegister(serializerWithSlice{}, nil)
	safeGobRegister([]string{}, nil)
	safeGobRegister(map[string]int{}, nil)
}

func roundTrip(t *testing.T, value any) any {
	t.Helper()
	encoded, err := serialize(value)
	require.NoError(t, err)
	require.NotNil(t, encoded)

	decoded, err := deserialize(encoded)
	require.NoError(t, err)
	return decoded
}

func TestSerializeNil(t *testing.T) {
	encoded, err := serialize(nil)
	require.NoError(t, err)
	require.Nil(t, encoded)

	decoded, err := deserialize(nil)
	require.NoError(t, err)
	require.Nil(t, decoded)
}

func TestSerializeEmptyString(t *testing.T) {
	encoded, err := serialize("")
	require.NoError(t, err)
	require.NotNil(t, encoded)
	require.Equal(t, "", *encoded)

	decoded, err := deserialize(encoded)
	require.NoError(t, err)
	require.Equal(t, "", decoded)
}

func TestSerializeRoundTripScalars(t *testing.T) {
	require.Equal(t, "hello", roundTrip(t, "hello"))
	require.Equal(t, 42, roundTrip(t, 42))
	require.Equal(t, true, roundTrip(t, true))
	require.Equal(t, 3.14, roundTrip(t, 3.14))
}

func TestSerializeRoundTripStruct(t *testing.T) {
	in := serializerGreeting{Name: "ada", Count: 7}
	out := roundTrip(t, in)
	got, ok := out.(serializerGreeting)
	require.True(t, ok, "expected serializerGreeting, got %T", out)
	require.Equal(t, in, got)
}

func TestSerializeRoundTripSliceAndMap(t *testing.T) {
	in := serializerWithSlice{
		Tags:  []string{"a", "b", "c"},
		Attrs: map[string]int{"x": 1, "y": 2},
	}
	out := roundTrip(t, in)
	got, ok := out.(serializerWithSlice)
	require.True(t, ok, "expected serializerWithSlice, got %T", out)
	require.Equal(t, in, got)
}

func TestSerializeEncodedValueIsStable(t *testing.T) {
	in := serializerGreeting{Name: "grace", Count: 1}
	a, err := serialize(in)
	require.NoError(t, err)
	b, err := serialize(in)
	require.NoError(t, err)
	require.Equal(t, *a, *b)
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	garbage := "not-valid-base64-gob!!"
	_, err := deserialize(&garbage)
	require.Error(t, err)
	require.True(t, IsKind(err, KindSerializationFailure))
}

func TestSafeGobRegisterSwallowsDuplicateRegistration(t *testing.T) {
	type localDuplicateType struct{ V int }
	require.NotPanics(t, func() {
		safeGobRegister(localDuplicateType{}, nil)
		safeGobRegister(localDuplicateType{}, nil)
	})
}
