// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipeline

import (
	"errors"
	"fmt"
)

var errMissingDefault = errors.New("pipeline: profile table has no default entry")

// ProfileError reports an invalid entry of the profile table.
type ProfileError struct {
	EntityType string
	Err        error
}

func (e *ProfileError) Error() string {
	return fmt.Sprintf("pipeline: profile %s: %v", e.EntityType, e.Err)
}

func (e *ProfileError) Unwrap() error {
	return e.Err
}
