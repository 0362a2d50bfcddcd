package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maastricht-university/workout-coach/clients"
	cfg "github.com/maastricht-university/workout-coach/config"
	"github.com/maastricht-university/workout-coach/emitter"
	"github.com/maastricht-university/workout-coach/motion"
	"github.com/maastricht-university/workout-coach/orchestrator"
	"github.com/maastricht-university/workout-coach/session"
	"github.com/maastricht-university/workout-coach/stream"
)

func runCmd() *cobra.Command {
	var (
		source   string
		presence float64
		fast     bool
		serve    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workout session against a pose source",
		Long: "Run feeds poses from a JSONL recording or the synthetic mock stream through the\n" +
			"classifier. Without --serve one session is started immediately and its summary\n" +
			"printed; with --serve sessions are toggled over the MQTT control topic.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(c)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, c, log, source, presence, fast, serve)
		},
	}
	f := cmd.Flags()
	f.StringVar(&source, "source", "mock", "pose source: a .jsonl recording or \"mock\"")
	f.Float64Var(&presence, "presence", 0.9, "fraction of mock frames with a person in them")
	f.BoolVar(&fast, "fast", false, "replay recordings without real-time pacing")
	f.BoolVar(&serve, "serve", false, "keep running and take toggles from MQTT")
	f.String("workout", "", "workout id")
	f.String("classifier-url", "", "classifier service base URL")
	_ = v.BindPFlag("session.workout", f.Lookup("workout"))
	_ = v.BindPFlag("classifier.url", f.Lookup("classifier-url"))
	return cmd
}

func run(ctx context.Context, c *cfg.Root, log *logrus.Logger, source string, presence float64, fast, serve bool) error {
	w, err := c.Workout()
	if err != nil {
		return err
	}

	clf, closeClf, err := newClassifier(c, log)
	if err != nil {
		return err
	}
	defer closeClf()

	sinks := emitter.Multi{emitter.NewLog(log)}
	var mq *emitter.MQTT
	if c.MQTT.Broker != "" {
		mq = emitter.NewMQTT(c.MQTT, log)
		if err := mq.Connect(ctx); err != nil {
			return err
		}
		defer func() {
			st := mq.Stats()
			log.WithFields(logrus.Fields{
				"published": st.Published,
				"errors":    st.Errors,
				"connected": st.Connected,
			}).Info("mqtt emitter stats")
			_ = mq.Disconnect()
		}()
		sinks = append(sinks, mq)
	} else if serve {
		return fmt.Errorf("--serve needs mqtt.broker for session control")
	}

	p, err := orchestrator.New(c, w, clf, sinks, orchestrator.WithLogger(log))
	if err != nil {
		return err
	}

	src, err := openSource(c, log, source, presence, fast)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := p.Consume(ctx, src); err != nil {
			log.WithError(err).Error("pose source failed")
			cancel()
			return
		}
		log.Info("pose source exhausted")
	}()

	if serve {
		if err := mq.OnControl(func(cmd emitter.Command) {
			if _, err := p.Toggle(ctx); err != nil {
				log.WithError(err).Warn("toggle failed")
			}
		}); err != nil {
			return err
		}
		return p.Run(ctx)
	}

	s, err := p.RunSession(ctx)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, w, s)
	return nil
}

type closableSource interface {
	orchestrator.Source
	Close() error
}

func openSource(c *cfg.Root, log logrus.FieldLogger, source string, presence float64, fast bool) (closableSource, error) {
	if source == "mock" {
		return stream.NewMock(stream.MockConfig{FPS: c.Stream.FPS, Presence: presence}, log), nil
	}
	return stream.OpenReplay(source, !fast)
}

func newClassifier(c *cfg.Root, log logrus.FieldLogger) (motion.Classifier, func(), error) {
	switch c.Classifier.Kind {
	case "process":
		pc := clients.NewProcessClassifier(clients.ProcessConfig{
			Command: c.Classifier.Command,
			Args:    c.Classifier.Args,
			Timeout: c.ClassifierTimeout(),
			Log:     log,
		})
		if err := pc.Start(); err != nil {
			return nil, nil, err
		}
		return pc, func() { _ = pc.Close() }, nil
	default:
		return clients.NewHTTPClassifier(c.Classifier.URL, c.ClassifierTimeout()), func() {}, nil
	}
}

func printSummary(out io.Writer, w session.Workout, s orchestrator.Summary) {
	fmt.Fprintf(out, "%s (%s)  session %s\n", w.Title, w.Level, s.SessionID)
	if s.NoEvidence {
		fmt.Fprintln(out, "No exercise was recognised.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXERCISE\tTIME\tSHARE")
	for _, r := range s.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Label, r.DurationText(), r.PercentageText())
	}
	_ = tw.Flush()
	if s.DroppedWindows > 0 {
		fmt.Fprintf(out, "(%d windows skipped while the classifier was busy)\n", s.DroppedWindows)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check configuration and workout definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := c.Catalog()
			if err != nil {
				return err
			}
			if _, err := cat.Get(c.Session.Workout); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d workouts, classifier %s, window %d/%d\n",
				len(cat), c.Classifier.Kind, c.Stream.WindowSize, c.Stream.Stride)
			return nil
		},
	}
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule [workout-id]",
		Short: "Print a workout's phase schedule",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				c.Session.Workout = args[0]
			}
			w, err := c.Workout()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s [%s] %s, %ds total, %ds of exercise\n",
				w.ID, w.Level, w.Title, w.Schedule.Total, w.Schedule.ExerciseDuration())
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FROM\tTO\tCUE")
			for _, s := range w.Schedule.Segments {
				cue := "countdown"
				if s.Exercise != "" {
					cue = session.CueText(s)
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\n", s.Start, s.End, cue)
			}
			return tw.Flush()
		},
	}
}
