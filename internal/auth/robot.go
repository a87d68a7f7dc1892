package auth

import (
	"context"
	"strings"

	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/services/registry"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// RobotValidator validates the bearer token a worker presents when
// connecting to the worker session layer, by comparing its fingerprint
// against the one recorded at registration (spec §6: "Authorization:
// Bearer <token>", §4.C: robot tokens are stored only as fingerprints).
type RobotValidator struct {
	store   storage.Store
	enabled bool
}

// NewRobotValidator creates a validator. When enabled is false, Validate
// always succeeds without consulting the store — used for local
// development per ROBOT_AUTH_ENABLED (spec §6).
func NewRobotValidator(store storage.Store, enabled bool) *RobotValidator {
	return &RobotValidator{store: store, enabled: enabled}
}

// Validate checks that token's fingerprint matches the stored fingerprint
// for robotID. robot_id is carried separately (the register frame or the
// connection path), since the bearer token itself carries no claims.
func (v *RobotValidator) Validate(ctx context.Context, robotID, token string) error {
	if !v.enabled {
		return nil
	}
	if robotID == "" || token == "" {
		return errs.New(errs.Invalid, "robot_id and token are required")
	}

	robot, err := v.store.GetRobot(ctx, robotID)
	if err != nil {
		return err
	}
	if robot.SessionTokenFingerprint == "" {
		return errs.New(errs.Invalid, "robot has no registered token")
	}

	fingerprint := registry.FingerprintToken(token)
	if !strings.EqualFold(fingerprint, robot.SessionTokenFingerprint) {
		return errs.New(errs.Invalid, "robot token mismatch")
	}
	return nil
}
