package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"assigner":   RoleAssigner,
		"MANAGER":    RoleAssigner,
		" manager ":  RoleAssigner,
		"assignee":   RoleAssignee,
		"technician": RoleAssignee,
		"Technicien": RoleAssignee,
		"TECHNICIAN": RoleAssignee,
	} {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRole("admin")
	assert.Error(t, err)
}

func TestMissionPatchApplyCopies(t *testing.T) {
	url := "a.pdf"
	m := Mission{ID: "m", Status: StatusInProgress, AttachmentURL: &url, AssigneeName: "Old"}
	done := StatusCompleted
	notes := "ok"
	who := "t2"
	p := MissionPatch{Status: &done, CompletionNotes: &notes, AssignedTo: &who}

	out := p.Apply(m)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "ok", *out.CompletionNotes)
	assert.Empty(t, out.AssigneeName)
	assert.Equal(t, StatusInProgress, m.Status)
	assert.Nil(t, m.CompletionNotes)

	notes = "changed"
	assert.Equal(t, "ok", *out.CompletionNotes)
	assert.False(t, p.Holds(out))
}

func TestThreadEntry(t *testing.T) {
	e := Pending("temp-1", Message{ID: "ignored", Content: "Done"})
	assert.True(t, e.IsPending())
	assert.Empty(t, e.Message.ID)
	assert.False(t, Confirmed(Message{ID: "x"}).IsPending())
}

func TestActorDisplayName(t *testing.T) {
	assert.Equal(t, "Ana Ruiz", Actor{ID: "a", FirstName: "Ana", LastName: "Ruiz"}.DisplayName())
	assert.Equal(t, "a", Actor{ID: "a"}.DisplayName())
}

func TestExpectationHolds(t *testing.T) {
	tina, tech, none := "tina", "tech", ""
	assigned := Mission{Status: StatusAssigned, AssignedTo: &tina}
	open := Mission{Status: StatusOpen}

	assert.True(t, ExpectStatus(StatusAssigned).Holds(assigned))
	assert.True(t, Expectation{Status: StatusAssigned, AssignedTo: &tina}.Holds(assigned))
	assert.False(t, Expectation{Status: StatusAssigned, AssignedTo: &tech}.Holds(assigned))
	assert.False(t, Expectation{Status: StatusAssigned, AssignedTo: &none}.Holds(assigned))
	assert.True(t, Expectation{Status: StatusOpen, AssignedTo: &none}.Holds(open))
	assert.False(t, ExpectStatus(StatusOpen).Holds(assigned))
}
