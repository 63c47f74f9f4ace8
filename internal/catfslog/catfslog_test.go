// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catfslog

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfoOnEmptyOrBadLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, New("", false).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New("not-a-level", false).GetLevel())
}

func TestNewHonorsRecognizedLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, New("debug", false).GetLevel())
	assert.Equal(t, zerolog.ErrorLevel, New("error", true).GetLevel())
}

func TestSetGlobalReplacesL(t *testing.T) {
	original := *L()
	defer SetGlobal(original)

	replacement := New("warn", false)
	SetGlobal(replacement)

	assert.Equal(t, zerolog.WarnLevel, L().GetLevel())
}
