package eventlog

import (
	"fmt"
	"testing"

	"github.com/parquedb/parquedb/perr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldCreateUpdateDelete(t *testing.T) {
	// Mirrors spec scenario 3: create {views:0}; three $inc updates (1,2,3);
	// one $set {title:'X'}; then delete.
	target := "posts/AAA"

	create := NewCreateEvent("AAA", 1, target, map[string]Value{
		"$type": StringValue("post"),
		"views": IntValue(0),
	}, "alice")

	incBy := func(seq int64, n int64) Event {
		return NewUpdateEvent(fmt.Sprintf("ev%d", seq), seq, target, map[string][]MutationStep{
			OperatorInc: {{Field: "views", Operand: IntValue(n)}},
		}, []string{OperatorInc}, "alice")
	}

	u1 := incBy(2, 1)
	u2 := incBy(3, 2)
	u3 := incBy(4, 3)

	setTitle := NewUpdateEvent("ev5", 5, target, map[string][]MutationStep{
		OperatorSet: {{Field: "title", Operand: StringValue("X")}},
	}, []string{OperatorSet}, "alice")

	del := NewDeleteEvent("ev6", 6, target, "alice")

	events := []Event{create, u1, u2, u3, setTitle, del}

	proj, err := Fold(events)
	require.NoError(t, err)

	views, ok := proj.Attrs["views"].AsFloat64()
	require.True(t, ok)
	assert.Equal(t, float64(6), views)

	require.NotNil(t, proj.Attrs["title"].Str)
	assert.Equal(t, "X", *proj.Attrs["title"].Str)

	assert.Equal(t, int64(6), proj.Version)
	assert.True(t, proj.IsDeleted())
}

func TestFoldIncOnMissingFieldTreatedAsZero(t *testing.T) {
	target := "posts/BBB"
	create := NewCreateEvent("BBB", 1, target, map[string]Value{
		"$type": StringValue("post"),
	}, "alice")
	inc := NewUpdateEvent("ev2", 2, target, map[string][]MutationStep{
		OperatorInc: {{Field: "likes", Operand: IntValue(5)}},
	}, []string{OperatorInc}, "alice")

	proj, err := Fold([]Event{create, inc})
	require.NoError(t, err)

	likes, ok := proj.Attrs["likes"].AsFloat64()
	require.True(t, ok)
	assert.Equal(t, float64(5), likes)
}

func TestFoldIncOnNonNumericFails(t *testing.T) {
	target := "posts/CCC"
	create := NewCreateEvent("CCC", 1, target, map[string]Value{
		"$type": StringValue("post"),
		"title": StringValue("not a number"),
	}, "alice")
	inc := NewUpdateEvent("ev2", 2, target, map[string][]MutationStep{
		OperatorInc: {{Field: "title", Operand: IntValue(1)}},
	}, []string{OperatorInc}, "alice")

	_, err := Fold([]Event{create, inc})
	require.Error(t, err)
	assert.Equal(t, perr.KindValidation, perr.KindOf(err))
}

func TestFoldEmptyOperatorSetBumpsVersionOnly(t *testing.T) {
	target := "posts/DDD"
	create := NewCreateEvent("DDD", 1, target, map[string]Value{
		"$type": StringValue("post"),
		"views": IntValue(3),
	}, "alice")
	noop := NewUpdateEvent("ev2", 2, target, map[string][]MutationStep{}, nil, "alice")

	proj, err := Fold([]Event{create, noop})
	require.NoError(t, err)
	assert.Equal(t, int64(2), proj.Version)
	views, _ := proj.Attrs["views"].AsFloat64()
	assert.Equal(t, float64(3), views)
}

func TestFoldPushAppendsAndCreatesList(t *testing.T) {
	target := "posts/EEE"
	create := NewCreateEvent("EEE", 1, target, map[string]Value{"$type": StringValue("post")}, "alice")
	push1 := NewUpdateEvent("ev2", 2, target, map[string][]MutationStep{
		OperatorPush: {{Field: "tags", Operand: StringValue("go")}},
	}, []string{OperatorPush}, "alice")
	push2 := NewUpdateEvent("ev3", 3, target, map[string][]MutationStep{
		OperatorPush: {{Field: "tags", Operand: StringValue("db")}},
	}, []string{OperatorPush}, "alice")

	proj, err := Fold([]Event{create, push1, push2})
	require.NoError(t, err)
	require.Len(t, proj.Attrs["tags"].Array, 2)
	assert.Equal(t, "go", *proj.Attrs["tags"].Array[0].Str)
	assert.Equal(t, "db", *proj.Attrs["tags"].Array[1].Str)
}

func TestValidateUpdateRejectsIncOnNonNumericWithoutMutatingProjection(t *testing.T) {
	target := "posts/FFF"
	create := NewCreateEvent("FFF", 1, target, map[string]Value{
		"$type": StringValue("post"),
		"title": StringValue("not a number"),
	}, "alice")
	proj, err := Fold([]Event{create})
	require.NoError(t, err)

	operators := map[string][]MutationStep{
		OperatorInc: {{Field: "title", Operand: IntValue(1)}},
	}
	err = ValidateUpdate(proj, operators, []string{OperatorInc})
	require.Error(t, err)
	assert.Equal(t, perr.KindValidation, perr.KindOf(err))

	// The scratch copy ValidateUpdate operates on must never leak back into
	// the caller's projection: version/attrs are exactly as Fold left them.
	assert.Equal(t, int64(1), proj.Version)
	_, ok := proj.Attrs["title"].AsFloat64()
	assert.False(t, ok)
	assert.Equal(t, "not a number", *proj.Attrs["title"].Str)
}

func TestValidateUpdateAcceptsValidOperators(t *testing.T) {
	target := "posts/GGG"
	create := NewCreateEvent("GGG", 1, target, map[string]Value{
		"$type": StringValue("post"),
		"views": IntValue(3),
	}, "alice")
	proj, err := Fold([]Event{create})
	require.NoError(t, err)

	operators := map[string][]MutationStep{
		OperatorInc: {{Field: "views", Operand: IntValue(2)}},
	}
	require.NoError(t, ValidateUpdate(proj, operators, []string{OperatorInc}))

	// Still unmutated: ValidateUpdate is a dry run, not a partial apply.
	views, _ := proj.Attrs["views"].AsFloat64()
	assert.Equal(t, float64(3), views)
}
