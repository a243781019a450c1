package opencode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch-sub014/internal/session"
)

func TestCreate_DoesNotSpawn(t *testing.T) {
	a := &Adapter{Command: "definitely-not-installed"}
	inst, err := a.Create(context.Background(), session.CreateRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Empty(t, inst.TypeSpecificID())
	require.NoError(t, inst.Close())
}

func TestCreate_ResumeCarriesSessionID(t *testing.T) {
	a := &Adapter{}
	inst, err := a.Create(context.Background(), session.CreateRequest{
		SessionID: "s1",
		Resume:    "ses_prior",
	})
	require.NoError(t, err)
	require.Equal(t, "ses_prior", inst.TypeSpecificID())
}

func TestInspect_PicksUpSessionID(t *testing.T) {
	var reported []string
	inst := &Instance{onID: func(id string) { reported = append(reported, id) }}

	inst.inspect([]byte(`{"type":"step-start","sessionID":"ses_abc"}`))
	inst.inspect([]byte(`{"type":"text","sessionID":"ses_abc"}`))
	inst.inspect([]byte(`not json`))

	require.Equal(t, []string{"ses_abc"}, reported)
	require.Equal(t, "ses_abc", inst.TypeSpecificID())
}

func TestWrite_AfterCloseFails(t *testing.T) {
	a := &Adapter{}
	inst, err := a.Create(context.Background(), session.CreateRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, inst.Close())
	require.Error(t, inst.Write([]byte("prompt")))
}
