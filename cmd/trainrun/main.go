// trainrun drives one training step against a local model: forward to the
// yield point, then either an identity resume or a backward pass seeded with
// unit gradients. Useful for poking at models without a server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/modelcloud/trainagent/pkg/agent"
	"github.com/modelcloud/trainagent/pkg/session"
	"github.com/modelcloud/trainagent/pkg/tensor"

	_ "github.com/modelcloud/trainagent/pkg/engine/fallback"
	_ "github.com/modelcloud/trainagent/pkg/engine/parallel"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

type inputFlags []string

func (f *inputFlags) String() string {
	return strings.Join(*f, " ")
}

func (f *inputFlags) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func run(ctx context.Context) error {
	model := ""
	modelFormat := ""
	providers := "cpu"
	backward := false
	var inputs inputFlags

	flag.StringVar(&model, "model", model, "path to model file")
	flag.StringVar(&modelFormat, "model-format", modelFormat, "model format override (json or yaml)")
	flag.StringVar(&providers, "providers", providers, "execution providers in precedence order, comma separated")
	flag.BoolVar(&backward, "backward", backward, "after the forward yield, run backward with unit gradients instead of resuming forward")
	flag.Var(&inputs, "input", "model input as name=<dims>:<values>, e.g. x=2x3:1,2,3,4,5,6 (repeatable)")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if model == "" {
		return fmt.Errorf("must specify --model")
	}

	opts := &session.Options{}
	if modelFormat != "" {
		opts.AddConfigEntry(session.ConfigLoadModelFormat, modelFormat)
	}

	var providerSpecs []session.ProviderSpec
	for _, name := range strings.Split(providers, ",") {
		if name = strings.TrimSpace(name); name != "" {
			providerSpecs = append(providerSpecs, session.ProviderSpec{Name: name})
		}
	}

	sess, err := session.New(ctx, model, opts, providerSpecs, nil)
	if err != nil {
		return fmt.Errorf("constructing session for %q: %w", model, err)
	}

	execAgent, err := agent.New(sess)
	if err != nil {
		return err
	}
	defer execAgent.Close()

	binding := sess.NewIOBinding()
	for _, in := range inputs {
		name, value, err := parseInput(in)
		if err != nil {
			return err
		}
		if err := binding.BindInput(name, value); err != nil {
			return err
		}
	}

	outputs, id, err := execAgent.RunForward(ctx, binding, nil)
	if err != nil {
		return err
	}
	log.Info("forward run suspended", "run", id.Run, "surfaced", len(outputs))
	printValues("forward", outputs)

	if backward {
		return runBackwardToCompletion(ctx, execAgent, outputs, id)
	}

	// Identity resume: feed the surfaced values straight back in.
	next, nextID, err := execAgent.ResumeForward(ctx, outputs, id)
	if err != nil {
		if errors.Is(err, agent.ErrInvalidRun) {
			log.Info("forward run completed without a yield; nothing to resume")
			return nil
		}
		return err
	}
	log.Info("forward run resumed", "run", nextID.Run)
	printValues("resumed", next)
	return nil
}

// runBackwardToCompletion seeds a unit gradient per surfaced value, starts
// the backward run, and identity-resumes it through any yields until it
// completes.
func runBackwardToCompletion(ctx context.Context, execAgent *agent.Agent, outputs []*tensor.Value, id agent.RunID) error {
	log := klog.FromContext(ctx)

	grads := make([]*tensor.Value, len(outputs))
	for i, out := range outputs {
		ones := make([]float32, out.NumElements())
		for j := range ones {
			ones[j] = 1
		}
		grad, err := tensor.New(out.Dims(), ones)
		if err != nil {
			return err
		}
		grads[i] = grad
	}

	values, backwardID, err := execAgent.RunBackward(ctx, grads, id)
	if err != nil {
		return err
	}
	log.Info("backward run started", "run", backwardID.Run, "surfaced", len(values))
	printValues("backward", values)

	for {
		next, nextID, err := execAgent.ResumeBackward(ctx, values, backwardID)
		if err != nil {
			if errors.Is(err, agent.ErrInvalidRun) {
				log.Info("backward run completed", "run", backwardID.Run)
				return nil
			}
			return err
		}
		values, backwardID = next, nextID
		printValues("backward", values)
	}
}

func parseInput(spec string) (string, *tensor.Value, error) {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok {
		return "", nil, fmt.Errorf("input %q: want name=<dims>:<values>", spec)
	}
	dimsPart, valuesPart, ok := strings.Cut(rest, ":")
	if !ok {
		return "", nil, fmt.Errorf("input %q: want name=<dims>:<values>", spec)
	}

	var dims []int64
	for _, d := range strings.Split(dimsPart, "x") {
		n, err := strconv.ParseInt(strings.TrimSpace(d), 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("input %q: bad dimension %q", spec, d)
		}
		dims = append(dims, n)
	}

	var values []float32
	for _, v := range strings.Split(valuesPart, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
		if err != nil {
			return "", nil, fmt.Errorf("input %q: bad value %q", spec, v)
		}
		values = append(values, float32(f))
	}

	value, err := tensor.New(dims, values)
	if err != nil {
		return "", nil, fmt.Errorf("input %q: %w", spec, err)
	}
	return name, value, nil
}

func printValues(label string, values []*tensor.Value) {
	for i, v := range values {
		fmt.Printf("%s[%d] dims=%v values=%v\n", label, i, v.Dims(), v.Floats())
	}
}
