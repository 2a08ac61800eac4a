package driver

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/toolstack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineXML_New(t *testing.T) {
	env := newTestEnv(t)

	ident := env.define(t, webUUID, "web")
	assert.Equal(t, webUUID, ident.UUID)
	assert.Equal(t, "web", ident.Name)
	assert.Equal(t, domains.InactiveID, ident.ID)

	state, reason := env.state(t, webUUID)
	assert.Equal(t, domains.StateDefined, state)
	assert.Equal(t, domains.ReasonUnknown, reason)
	assert.Equal(t, 1, env.m.NumOfDomains(context.Background(), false))

	assert.Equal(t, 1, env.ts.CallCount("CreateDomain"))
	_, ok := env.ts.Guest(toolstack.Handle(webUUID.String()))
	assert.True(t, ok)

	data, err := os.ReadFile(env.paths.DomainConfig(webUUID.String()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<name>web</name>")

	assert.Equal(t, []events.Kind{events.KindDefined}, env.rec.kinds())
	assert.Equal(t, "added", env.rec.last().Detail)
	assert.Empty(t, env.rec.publishedUnderLock())
}

func TestDefineXML_ContainerGuest(t *testing.T) {
	env := newTestEnv(t)

	xml := strings.Replace(domainXML(webUUID, "web"), ">hvm<", ">exe<", 1)
	_, err := env.m.DefineXML(context.Background(), xml, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, env.ts.CallCount("CreateDomain"))
	assert.Equal(t, 1, env.ts.CallCount("CreateContainer"))

	osType, err := env.m.GetOSType(context.Background(), webUUID)
	require.NoError(t, err)
	assert.Equal(t, "exe", osType)
}

func TestDefineXML_UnsupportedGuestType(t *testing.T) {
	env := newTestEnv(t)

	xml := strings.Replace(domainXML(webUUID, "web"), ">hvm<", ">linux<", 1)
	_, err := env.m.DefineXML(context.Background(), xml, 0)
	assert.ErrorIs(t, err, domains.ErrUnsupportedGuestType)

	assert.Equal(t, 0, env.m.domains.Len())
	assert.Empty(t, env.ts.Calls()[1:], "only the capability query reached the toolstack")
	assert.Empty(t, env.rec.kinds())
}

func TestDefineXML_InvalidDefinition(t *testing.T) {
	env := newTestEnv(t)

	xml := strings.Replace(domainXML(webUUID, "web"), "<vcpu>2</vcpu>", "<vcpu>0</vcpu>", 1)
	_, err := env.m.DefineXML(context.Background(), xml, DefineValidate)
	assert.ErrorIs(t, err, domains.ErrInvalidDefinition)
	assert.Equal(t, 0, env.m.domains.Len())
}

func TestDefineXML_CreateFailureLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	cause := errors.New("xenstore unavailable")
	env.ts.FailOn("CreateDomain", cause)

	_, err := env.m.DefineXML(context.Background(), domainXML(webUUID, "web"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, toolstack.ErrFailure)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, 0, env.m.domains.Len())
	_, err = os.Stat(env.paths.DomainConfig(webUUID.String()))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, env.rec.kinds())

	// The identity is free again.
	env.ts.FailOn("CreateDomain", nil)
	env.define(t, webUUID, "web")
}

func TestDefineXML_PersistFailureUndoesToolstack(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.RemoveAll(env.paths.ConfigDir()))

	_, err := env.m.DefineXML(context.Background(), domainXML(webUUID, "web"), 0)
	require.Error(t, err)

	assert.Equal(t, 0, env.m.domains.Len())
	assert.Equal(t, 1, env.ts.CallCount("DeleteDomain"))
	_, ok := env.ts.Guest(toolstack.Handle(webUUID.String()))
	assert.False(t, ok)
}

func TestDefineXML_DuplicateName(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, webUUID, "web")

	_, err := env.m.DefineXML(context.Background(), domainXML(dbUUID, "web"), 0)
	assert.ErrorIs(t, err, domains.ErrDuplicateIdentity)
	assert.Equal(t, 1, env.m.domains.Len())
}

func TestDefineXML_Update(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")

	_, err := env.m.DefineXML(ctx, resizedXML(webUUID, "web"), DefineValidate)
	require.NoError(t, err)

	info, err := env.m.GetInfo(ctx, webUUID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024*1024), info.MemoryKiB)
	assert.Equal(t, 1, env.m.domains.Len())

	calls := env.ts.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "ApplyConfig", last.Op)
	assert.False(t, last.Live)

	assert.Equal(t, []events.Kind{events.KindDefined, events.KindDefined}, env.rec.kinds())
	assert.Equal(t, "updated", env.rec.last().Detail)
}

func TestDefineXML_Rename(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")
	env.define(t, dbUUID, "db")

	_, err := env.m.DefineXML(ctx, domainXML(webUUID, "db"), 0)
	assert.ErrorIs(t, err, domains.ErrDuplicateIdentity)

	ident, err := env.m.DefineXML(ctx, domainXML(webUUID, "frontend"), 0)
	require.NoError(t, err)
	assert.Equal(t, "frontend", ident.Name)

	_, err = env.m.LookupByName(ctx, "web")
	assert.ErrorIs(t, err, domains.ErrNotFound)
	got, err := env.m.LookupByName(ctx, "frontend")
	require.NoError(t, err)
	assert.Equal(t, webUUID, got.UUID)
}

func TestDefineXML_UpdateFailureKeepsDefinition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")
	before, err := os.ReadFile(env.paths.DomainConfig(webUUID.String()))
	require.NoError(t, err)

	env.ts.FailOn("ApplyConfig", errors.New("device busy"))
	_, err = env.m.DefineXML(ctx, resizedXML(webUUID, "web-resized"), 0)
	assert.ErrorIs(t, err, toolstack.ErrFailure)

	after, err := os.ReadFile(env.paths.DomainConfig(webUUID.String()))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	xml, err := env.m.GetXMLDesc(ctx, webUUID, 0)
	require.NoError(t, err)
	assert.Equal(t, string(before), xml)

	_, err = env.m.LookupByName(ctx, "web")
	assert.NoError(t, err, "name unchanged")
	assert.Len(t, env.rec.kinds(), 1)
}

func TestDefineXML_UpdateActiveDomain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")
	require.NoError(t, env.m.Start(ctx, webUUID, 0))

	_, err := env.m.DefineXML(ctx, resizedXML(webUUID, "web"), 0)
	require.NoError(t, err)

	calls := env.ts.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "ApplyConfig", last.Op)
	assert.True(t, last.Live)

	live, err := env.m.GetXMLDesc(ctx, webUUID, 0)
	require.NoError(t, err)
	assert.Contains(t, live, ">512<", "running domain keeps its live definition")

	persistent, err := env.m.GetXMLDesc(ctx, webUUID, XMLInactive)
	require.NoError(t, err)
	assert.Contains(t, persistent, ">1024<")
}

func TestDefineXML_ConcurrentSameNewUUID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.m.DefineXML(ctx, domainXML(webUUID, "web"), 0)
			errs <- err
		}()
	}
	var failed int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failed++
		}
	}

	// Either both succeed (the second as an update) or one loses the race
	// on the identity; never two objects.
	assert.LessOrEqual(t, failed, 1)
	assert.Equal(t, 1, env.m.domains.Len())
	_, err := env.m.LookupByUUID(ctx, webUUID)
	assert.NoError(t, err)
}

func TestDefineXML_InFlightDomainIsHidden(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		wantNames []string
	}{
		{name: "create fails", createErr: errors.New("xenstore unavailable"), wantNames: nil},
		{name: "create succeeds", wantNames: []string{"web"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			if tt.createErr != nil {
				env.ts.FailOn("CreateDomain", tt.createErr)
			}
			gate := env.ts.Hold("CreateDomain")

			done := make(chan error, 1)
			go func() {
				_, err := env.m.DefineXML(ctx, domainXML(webUUID, "web"), 0)
				done <- err
			}()
			<-gate.Entered()

			assert.Empty(t, env.m.ListDefinedNames(ctx))
			assert.Equal(t, 0, env.m.NumOfDomains(ctx, false))
			all, err := env.m.ListAll(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, all)

			lookupCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			_, err = env.m.LookupByName(lookupCtx, "web")
			cancel()
			assert.Error(t, err)

			gate.Open()
			err = <-done
			if tt.createErr != nil {
				assert.ErrorIs(t, err, tt.createErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantNames, env.m.ListDefinedNames(ctx))
			assert.Equal(t, len(tt.wantNames), env.m.NumOfDomains(ctx, false))
		})
	}
}
