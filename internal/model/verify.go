package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hearthframe/voxrt/internal/onnx"
	"github.com/hearthframe/voxrt/internal/ortffi"
)

type VerifyOptions struct {
	ManifestPath  string
	ORTLibrary    string
	ORTAPIVersion uint32
	Stdout        io.Writer
	Stderr        io.Writer
}

var runSessionVerify = runSessionVerifyImpl

func VerifyONNX(opts VerifyOptions) error {
	if opts.ManifestPath == "" {
		return errors.New("manifest path is required")
	}

	if opts.ORTAPIVersion == 0 {
		opts.ORTAPIVersion = 17
	}

	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	sm, err := onnx.NewSessionManager(opts.ManifestPath)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	for _, session := range sm.Sessions() {
		for _, input := range session.Inputs {
			if _, err := onnx.NewZeroTensor(input.DType, input.Shape); err != nil {
				return fmt.Errorf("session %q input %q invalid: %w", session.Name, input.Name, err)
			}
		}
	}

	if err := runSessionVerify(sm.Sessions(), opts); err != nil {
		return err
	}

	return nil
}

func runSessionVerifyImpl(sessions []onnx.Session, opts VerifyOptions) error {
	var failures []string

	for _, session := range sessions {
		err := runSessionSmoke(context.Background(), session, opts)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", session.Name, err)
			failures = append(failures, session.Name)

			continue
		}

		_, _ = fmt.Fprintf(opts.Stdout, "PASS %s\n", session.Name)
	}

	if len(failures) > 0 {
		return fmt.Errorf("verify failed for %d session(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return nil
}

func runSessionSmoke(ctx context.Context, session onnx.Session, opts VerifyOptions) error {
	runner, err := onnx.NewRunner(session, onnx.RunnerConfig{
		LibraryPath: opts.ORTLibrary,
		APIVersion:  opts.ORTAPIVersion,
		Executor:    ortffi.CPU,
	})
	if err != nil {
		return fmt.Errorf("load session model: %w", err)
	}
	defer runner.Close()

	inputs := make(map[string]*onnx.Tensor, len(session.Inputs))

	for _, input := range session.Inputs {
		t, err := onnx.NewZeroTensor(input.DType, input.Shape)
		if err != nil {
			return fmt.Errorf("build input %q tensor: %w", input.Name, err)
		}

		inputs[input.Name] = t
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return fmt.Errorf("run inference: %w", err)
	}

	_ = outputs

	return nil
}
