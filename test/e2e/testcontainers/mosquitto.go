package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MosquittoConfig holds configuration for the Mosquitto MQTT test container.
type MosquittoConfig struct {
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartMosquitto starts an anonymous-access Mosquitto broker for testing and
// returns the container together with its host and mapped port.
func StartMosquitto(ctx context.Context, config *MosquittoConfig) (testcontainers.Container, string, int, error) {
	if config == nil {
		config = &MosquittoConfig{}
	}

	// The stock image ships a no-auth config; the default one only listens
	// on localhost inside the container.
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("1883/tcp"),
				wait.ForLog("mosquitto version"),
			),
			Name: config.ContainerName,
		},
		Started: true,
	})

	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		if termErr := container.Terminate(ctx); termErr != nil {
			return nil, "", 0, fmt.Errorf("failed to get container host: %w (cleanup error: %w)", err, termErr)
		}
		return nil, "", 0, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		if termErr := container.Terminate(ctx); termErr != nil {
			return nil, "", 0, fmt.Errorf("failed to get container port: %w (cleanup error: %w)", err, termErr)
		}
		return nil, "", 0, fmt.Errorf("failed to get container port: %w", err)
	}

	return container, host, port.Int(), nil
}
