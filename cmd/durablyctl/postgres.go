package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	postgresContainerName = "durably-db"
	postgresImageName     = "pgvector/pgvector:pg16"
	postgresDataDir       = "/var/lib/postgresql/data"
)

var postgresCmd = &cobra.Command{
	Use:   "postgres",
	Short: "Manage a local Postgres database with Docker",
}

var postgresStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a local Postgres database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startDockerPostgres()
	},
}

var postgresStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the local Postgres database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopDockerPostgres()
	},
}

func init() {
	postgresCmd.AddCommand(postgresStartCmd)
	postgresCmd.AddCommand(postgresStopCmd)
}

func dockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

func checkDockerInstalled() bool {
	cli, err := dockerClient()
	if err != nil {
		return false
	}
	defer cli.Close()
	_, err = cli.Ping(context.Background())
	return err == nil
}

func startDockerPostgres() error {
	logger.Info("starting local Postgres container")

	if !checkDockerInstalled() {
		return fmt.Errorf("Docker not detected locally; install Docker to use this command")
	}

	cli, err := dockerClient()
	if err != nil {
		return fmt.Errorf("create Docker client: %w", err)
	}
	defer cli.Close()

	ctx := context.Background()

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	for _, c := range containers {
		for _, name := range c.Names {
			if name != "/"+postgresContainerName {
				continue
			}
			if c.State == "running" {
				logger.Info("container already running", zap.String("container", postgresContainerName))
				return nil
			}
			if c.State == "exited" {
				if err := cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
					return fmt.Errorf("start existing container: %w", err)
				}
				logger.Info("restarted stopped container", zap.String("container", postgresContainerName))
				return waitForPostgres()
			}
		}
	}

	images, err := cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	imageExists := false
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == postgresImageName {
				imageExists = true
			}
		}
	}
	if !imageExists {
		logger.Info("pulling Docker image", zap.String("image", postgresImageName))
		reader, err := cli.ImagePull(ctx, postgresImageName, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pull image: %w", err)
		}
		defer reader.Close()
		_, _ = io.Copy(io.Discard, reader)
	}

	password := os.Getenv("PGPASSWORD")
	if password == "" {
		password = "durably"
	}

	cfg := &container.Config{
		Image: postgresImageName,
		Env: []string{
			fmt.Sprintf("POSTGRES_PASSWORD=%s", password),
			fmt.Sprintf("PGDATA=%s", postgresDataDir),
		},
		ExposedPorts: nat.PortSet{"5432/tcp": {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			"5432/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "5432"}},
		},
		AutoRemove: true,
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, postgresContainerName)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	logger.Info("created container", zap.String("id", resp.ID[:12]))

	if err := waitForPostgres(); err != nil {
		return err
	}

	logger.Info("Postgres available",
		zap.String("url", fmt.Sprintf("postgres://postgres:%s@localhost:5432", url.QueryEscape(password))))
	return nil
}

func stopDockerPostgres() error {
	logger.Info("stopping local Postgres container", zap.String("container", postgresContainerName))

	cli, err := dockerClient()
	if err != nil {
		return fmt.Errorf("create Docker client: %w", err)
	}
	defer cli.Close()

	ctx := context.Background()
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	for _, c := range containers {
		for _, name := range c.Names {
			if name != "/"+postgresContainerName {
				continue
			}
			if c.State != "running" {
				logger.Info("container exists but is not running", zap.String("container", postgresContainerName))
				return nil
			}
			if err := cli.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil {
				return fmt.Errorf("stop container: %w", err)
			}
			logger.Info("stopped container", zap.String("container", postgresContainerName))
			return nil
		}
	}

	logger.Info("container does not exist", zap.String("container", postgresContainerName))
	return nil
}

func waitForPostgres() error {
	logger.Info("waiting for Postgres container to accept connections")

	password := os.Getenv("PGPASSWORD")
	if password == "" {
		password = "durably"
	}
	connStr := fmt.Sprintf("postgres://postgres:%s@localhost:5432/postgres?connect_timeout=2&sslmode=disable", url.QueryEscape(password))

	for i := 0; i < 30; i++ {
		if i%5 == 0 && i > 0 {
			logger.Info("still waiting for Postgres container to start")
		}
		db, err := sql.Open("pgx", connStr)
		if err == nil {
			err = db.Ping()
			db.Close()
			if err == nil {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("container %s did not start in time", postgresContainerName)
}
