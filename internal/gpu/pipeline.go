package gpu

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/vulkan"
	"golang.org/x/sync/errgroup"
)

const spirvMagic = 0x07230203

// ShaderFile names a compiled SPIR-V blob on disk and the stage it feeds.
type ShaderFile struct {
	Path  string
	Stage vulkan.ShaderStageFlagBits
	// Entry defaults to "main".
	Entry string
}

// ShaderStage is a loaded shader module ready to be placed in a pipeline.
type ShaderStage struct {
	Module ShaderModule
	Stage  vulkan.ShaderStageFlagBits
	Entry  string
}

// PipelineBuilder builds a pipeline from loaded shader stages. The modules
// are destroyed as soon as BuildPipeline returns.
type PipelineBuilder interface {
	BuildPipeline(stages []ShaderStage) error
}

type PipelineBuilderFunc func(stages []ShaderStage) error

func (f PipelineBuilderFunc) BuildPipeline(stages []ShaderStage) error { return f(stages) }

// ReadShaderFiles reads every file in full, concurrently, and checks that
// each one looks like SPIR-V. Results are in the order of files.
func ReadShaderFiles(ctx context.Context, files []ShaderFile) ([][]byte, error) {
	out := make([][]byte, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			code, err := os.ReadFile(f.Path)
			if err != nil {
				return errors.Wrapf(err, "read shader %s", f.Path)
			}
			if err := checkSPIRV(code); err != nil {
				return errors.Wrapf(err, "shader %s", f.Path)
			}
			out[i] = code
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkSPIRV(code []byte) error {
	if len(code) == 0 || len(code)%4 != 0 {
		return errors.Newf("length %d is not a positive multiple of 4", len(code))
	}
	if binary.LittleEndian.Uint32(code) != spirvMagic {
		return errors.New("missing SPIR-V magic number")
	}
	return nil
}

// LoadPipeline creates a shader module per file and hands them to b.
func (c *DeviceContext) LoadPipeline(ctx context.Context, files []ShaderFile, b PipelineBuilder) error {
	codes, err := ReadShaderFiles(ctx, files)
	if err != nil {
		return err
	}
	stages := make([]ShaderStage, 0, len(files))
	defer func() {
		for _, s := range stages {
			c.driver.DestroyShaderModule(c.device, s.Module)
		}
	}()
	for i, code := range codes {
		module, err := c.driver.CreateShaderModule(c.device, code)
		if err != nil {
			return errors.Wrapf(err, "create shader module %s", files[i].Path)
		}
		entry := files[i].Entry
		if entry == "" {
			entry = "main"
		}
		stages = append(stages, ShaderStage{Module: module, Stage: files[i].Stage, Entry: entry})
	}
	if err := b.BuildPipeline(stages); err != nil {
		return errors.Wrap(err, "build pipeline")
	}
	return nil
}
