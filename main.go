package main

import (
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vulkan-go/glfw/v3.3/glfw"
	"github.com/vulkan-go/vulkan"
	"github.com/xlab/closer"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/vkdriver"
)

// shutdownTimeout bounds how long a signal waits for the main thread to
// finish its frame and tear down.
const shutdownTimeout = 5 * time.Second

func init() {
	// GLFW/Vulkan require the main thread.
	runtime.LockOSThread()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("KUBE_LOG"), "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	var input inputQueue
	done := make(chan struct{})
	// closer runs this on its own goroutine. It only asks the loop to stop;
	// all teardown happens on the main thread inside run.
	closer.Bind(func() {
		input.requestQuit()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			logger.Warn("main thread did not finish teardown", slog.Duration("timeout", shutdownTimeout))
		}
	})

	err := run(logger, &input)
	close(done)
	if err != nil {
		logger.Error("kube stopped", slog.Any("err", err))
		closer.Exit(1)
	}
	closer.Close()
}

// run owns the window and the GPU for the life of the program. Its deferred
// teardown runs on the main thread.
func run(logger *slog.Logger, input *inputQueue) error {
	if err := glfw.Init(); err != nil {
		return errors.Wrap(err, "init glfw")
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(800, 600, "Kube", nil, nil)
	if err != nil {
		return errors.Wrap(err, "create window")
	}
	defer window.Destroy()

	vulkan.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	drv, err := vkdriver.New(logger)
	if err != nil {
		return errors.Wrap(err, "load vulkan")
	}

	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			input.push(frameInput{quit: true})
		}
	})
	window.SetFramebufferSizeCallback(func(w *glfw.Window, width int, height int) {
		input.push(frameInput{resized: true})
	})

	win := &glfwWindow{window: window, drv: drv}
	cfg := gpu.ConfigFromEnv()
	cfg.Logger = logger
	cfg.Surface = win
	cfg.Window = win
	cfg.InstanceExtensions = window.GetRequiredInstanceExtensions()

	app, err := newVulkanApp(drv, cfg)
	if err != nil {
		return errors.Wrap(err, "init vulkan")
	}
	defer app.Cleanup()

	loop := renderLoop{
		input:  input,
		poll:   glfw.PollEvents,
		closed: window.ShouldClose,
		draw:   app.DrawFrame,
	}
	logger.Info("entering main loop")
	if err := loop.run(); err != nil {
		return errors.Wrap(err, "draw frame")
	}
	logger.Info("main loop stopped")
	return nil
}

// glfwWindow adapts a GLFW window to the surface, sizing and event-wait
// collaborators the device context asks for.
type glfwWindow struct {
	window *glfw.Window
	drv    *vkdriver.Driver
}

func (w *glfwWindow) CreateSurface(inst gpu.Instance) (gpu.Surface, error) {
	return w.drv.CreateSurface(inst, func(vi vulkan.Instance) (vulkan.Surface, error) {
		ptr, err := w.window.CreateWindowSurface(vi, nil)
		if err != nil {
			return vulkan.Surface(vulkan.NullHandle), err
		}
		return vulkan.SurfaceFromPointer(ptr), nil
	})
}

func (w *glfwWindow) FramebufferSize() (int, int) {
	return w.window.GetFramebufferSize()
}

func (w *glfwWindow) WaitEvents() {
	glfw.WaitEvents()
}
