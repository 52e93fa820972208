// Package textop is a custom operator for collaborative editing of a string
// field. Payloads are diff-match-patch patch texts; patches carry their own
// context, so they still apply after concurrent edits moved the text around.
package textop

import (
	"context"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/resource"
)

// Version is stamped on text operations.
const Version = "dmp-1"

// Operator returns the text operator for the string at path.
func Operator(path string) resource.CustomOperator {
	return resource.CustomOperator{
		Path:      path,
		Version:   Version,
		Apply:     Apply,
		Transform: Transform,
	}
}

// Make returns the patch text turning before into after.
func Make(before, after string) string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}

// Apply applies a patch text payload to the current string. A missing
// current value is treated as empty. Hunks that no longer match are dropped.
func Apply(current, payload any) (any, error) {
	var text string
	switch v := current.(type) {
	case nil:
	case string:
		text = v
	default:
		return nil, fmt.Errorf("text operator on %T", current)
	}

	patch, ok := payload.(string)
	if !ok {
		return nil, fmt.Errorf("text payload is %T, want string", payload)
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patch)
	if err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	result, _ := dmp.PatchApply(patches, text)
	return result, nil
}

// Transform leaves text operations unchanged.
func Transform(op, remote commons.Operation) commons.Operation {
	return op
}

// Edit proposes the change from before to after through p, with after as the
// optimistic client value.
func Edit(ctx context.Context, p *resource.Proposer, before, after string) error {
	if before == after {
		return nil
	}
	return p.Propose(ctx, Make(before, after), after)
}
