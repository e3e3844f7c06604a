package identity

import (
	"context"
	"organictrace/internal/infra/persistence/memory"
	"organictrace/internal/records"
	"organictrace/pkg/domain"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPolicyTable(t *testing.T) {
	cases := []struct {
		name  string
		caps  []domain.Capability
		op    Operation
		allow bool
	}{
		{"admin registers farmer", []domain.Capability{domain.CapabilityAdmin}, OpRegisterFarmer, true},
		{"farmer cannot register farmer", []domain.Capability{domain.CapabilityFarmer}, OpRegisterFarmer, false},
		{"farmer creates product", []domain.Capability{domain.CapabilityFarmer}, OpCreateProduct, true},
		{"processor cannot create batch", []domain.Capability{domain.CapabilityProcessor}, OpCreateBatch, false},
		{"retailer appends", []domain.Capability{domain.CapabilityRetailer}, OpAddTraceabilityRecord, true},
		{"consumer cannot append", []domain.Capability{domain.CapabilityConsumer}, OpAddTraceabilityRecord, false},
		{"admin revokes", []domain.Capability{domain.CapabilityAdmin}, OpRevokeCertification, true},
		{"farmer cannot deactivate qr", []domain.Capability{domain.CapabilityFarmer}, OpDeactivateQRCode, false},
		{"nobody", nil, OpRegisterQRCode, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Check("p", tc.caps, tc.op)
			if tc.allow {
				assert.NoError(t, err)
				return
			}
			var authz domain.AuthorizationError
			require.ErrorAs(t, err, &authz)
			assert.Equal(t, "p", authz.PrincipalID)
		})
	}
}

func TestCheckUnknownOperation(t *testing.T) {
	require.Error(t, Check("p", []domain.Capability{domain.CapabilityAdmin}, Operation("launch")))
}

func TestEveryOperationHasPolicy(t *testing.T) {
	ops := Operations()
	assert.Len(t, ops, 13)
	for _, op := range ops {
		_, ok := Required(op)
		assert.True(t, ok, op)
	}
	handlers, _ := Required(OpAddTraceabilityRecord)
	assert.Equal(t, domain.HandlerCapabilities(), handlers)
}

func TestRegistryBootstrapAndAuthorize(t *testing.T) {
	ctx := context.Background()
	store := records.New(memory.NewStore(nil))
	reg := NewRegistry(store, nil)

	err := reg.Authorize(ctx, "root", OpRegisterFarmer)
	var authz domain.AuthorizationError
	require.ErrorAs(t, err, &authz)

	admin, err := reg.Bootstrap(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []domain.Capability{domain.CapabilityAdmin}, admin.Capabilities)
	require.NoError(t, reg.Authorize(ctx, "root", OpRegisterFarmer))

	again, err := reg.Bootstrap(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, admin.Capabilities, again.Capabilities)

	err = reg.Authorize(ctx, "", OpCreateBatch)
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = reg.Bootstrap(ctx, " ")
	require.ErrorAs(t, err, &verr)
}

func TestRegistryCapabilitiesForUnknownPrincipal(t *testing.T) {
	reg := NewRegistry(records.New(memory.NewStore(nil)), nil)
	caps, err := reg.Capabilities(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, caps)
}
