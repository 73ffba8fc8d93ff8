package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

type fakeUpdater struct {
	ids     []string
	patches []store.VehiclePatch
}

func (f *fakeUpdater) UpdateVehicle(_ context.Context, id string, p store.VehiclePatch) (model.Vehicle, error) {
	if id == "ghost" {
		return model.Vehicle{}, store.ErrNotFound
	}
	f.ids = append(f.ids, id)
	f.patches = append(f.patches, p)
	return model.Vehicle{ID: id}, nil
}

func TestDecodeTelemetry(t *testing.T) {
	id, p, err := DecodeTelemetry("fleet/telemetry/VEH_001", []byte(`{"latitude":40.7,"longitude":-74,"state":"moving"}`))
	require.NoError(t, err)
	assert.Equal(t, "VEH_001", id)
	require.NotNil(t, p.Location)
	assert.Equal(t, 40.7, p.Location.Lat)
	assert.Equal(t, model.VehicleMoving, *p.State)

	id, _, err = DecodeTelemetry("fleet/telemetry/x", []byte(`{"vehicle_id":"VEH_002","state":"idle"}`))
	require.NoError(t, err)
	assert.Equal(t, "VEH_002", id)

	for _, body := range []string{
		`{"latitude":40.7}`,
		`{"latitude":123,"longitude":0}`,
		`{"state":"flying"}`,
		`[]`,
	} {
		_, _, err := DecodeTelemetry("fleet/telemetry/VEH_001", []byte(body))
		assert.True(t, errors.Is(err, ErrBadPayload), body)
	}
}

func TestBridge_Telemetry(t *testing.T) {
	c := newFakeClient()
	u := &fakeUpdater{}
	b := NewBridge(c, nil, Topics{Telemetry: "fleet/telemetry/"}, nil)
	b.SetVehicleUpdater(u)
	require.NoError(t, b.Start(context.Background(), nil))

	h := c.handlers["fleet/telemetry/+"]
	require.NotNil(t, h)
	h("fleet/telemetry/VEH_001", []byte(`{"latitude":40.7,"longitude":-74}`))
	h("fleet/telemetry/VEH_001", []byte(`{}`))
	h("fleet/telemetry/ghost", []byte(`{"state":"idle"}`))
	h("fleet/telemetry/VEH_001", []byte(`garbage`))
	assert.Equal(t, []string{"VEH_001"}, u.ids)
}
