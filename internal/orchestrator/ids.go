package orchestrator

import "github.com/google/uuid"

func parseVehicleID(id string) (uuid.UUID, error) {
	return uuid.Parse(id)
}

func newVehicleID() (uuid.UUID, error) {
	return uuid.NewRandom()
}
