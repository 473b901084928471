package authz

import (
	"testing"

	"github.com/hookcore/bridge/internal/auth"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name         string
		identity     *auth.Identity
		operation    string
		targetWorker string
		wantErr      bool
	}{
		{
			name:      "nil identity denied",
			identity:  nil,
			operation: "dispatch",
			wantErr:   true,
		},
		{
			name: "wildcard permission allows anything",
			identity: &auth.Identity{
				Subject:     "apikey:test",
				Permissions: []string{"*"},
			},
			operation:    "dispatch",
			targetWorker: "worker-a",
			wantErr:      false,
		},
		{
			name: "literal operation grant allows matching operation",
			identity: &auth.Identity{
				Subject:     "apikey:test",
				Permissions: []string{"dispatch"},
			},
			operation: "dispatch",
			wantErr:   false,
		},
		{
			name: "literal operation grant does not allow a different operation",
			identity: &auth.Identity{
				Subject:     "apikey:test",
				Permissions: []string{"dispatch"},
			},
			operation: "register-worker",
			wantErr:   true,
		},
		{
			name: "operation wildcard target allows any worker",
			identity: &auth.Identity{
				Subject:     "apikey:test",
				Permissions: []string{"dispatch:*"},
			},
			operation:    "dispatch",
			targetWorker: "worker-a",
			wantErr:      false,
		},
		{
			name: "operation-target pair allows matching target",
			identity: &auth.Identity{
				Subject:     "apikey:test",
				Permissions: []string{"dispatch:worker-a"},
			},
			operation:    "dispatch",
			targetWorker: "worker-a",
			wantErr:      false,
		},
		{
			name: "operation-target pair denies non-matching target",
			identity: &auth.Identity{
				Subject:     "apikey:test",
				Permissions: []string{"dispatch:worker-a"},
			},
			operation:    "dispatch",
			targetWorker: "worker-b",
			wantErr:      true,
		},
		{
			name: "no permissions denied",
			identity: &auth.Identity{
				Subject: "apikey:test",
			},
			operation: "dispatch",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.identity, tt.operation, tt.targetWorker)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
