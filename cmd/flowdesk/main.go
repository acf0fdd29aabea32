package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowdesk/flowdesk/internal/alert"
	"github.com/flowdesk/flowdesk/internal/config"
	"github.com/flowdesk/flowdesk/internal/crypto"
	"github.com/flowdesk/flowdesk/internal/log"
	"github.com/flowdesk/flowdesk/internal/rest"
	"github.com/flowdesk/flowdesk/internal/scheduler"
	"github.com/flowdesk/flowdesk/internal/tenant"
	"github.com/flowdesk/flowdesk/pkg/flow"
	"github.com/flowdesk/flowdesk/pkg/mail"
	"github.com/flowdesk/flowdesk/pkg/queue"
	"github.com/flowdesk/flowdesk/pkg/script"
	"github.com/flowdesk/flowdesk/pkg/signature"
)

func main() {
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	tenants, err := tenant.NewProvider(appContext, conf.Storage)
	if err != nil {
		log.Error("Failed to open tenant storage: %s", err)
		os.Exit(1)
	}

	var mailer mail.Sender = mail.NoopSender{}
	if conf.Mail.Host != "" {
		mailer = mail.NewSMTPSender(conf.Mail.Host, conf.Mail.Port, conf.Mail.Username, conf.Mail.Password, conf.Mail.From)
	}

	var alerter alert.Notifier = alert.NoopNotifier{}
	if conf.Alert.WebhookURL != "" {
		alerter = alert.NewWebhookNotifier(conf.Alert.WebhookURL)
	}

	var signer signature.Signer
	if conf.Signature.BaseURL != "" {
		signer = signature.NewClient(conf.Signature.BaseURL, conf.Signature.Token, nil)
	}

	scripts := script.NewHost(appContext, conf.Script.MaxPoolSize, conf.Script.MinPoolSize,
		script.HostWithBudget(conf.Script.Budget))

	options := []flow.EngineOption{
		flow.EngineWithStorageResolver(tenants),
		flow.EngineWithMailer(mailer),
		flow.EngineWithAlerter(alerter),
		flow.EngineWithScriptHost(scripts),
		flow.EngineWithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		flow.EngineWithFrontendURL(conf.FrontendURL),
	}
	if signer != nil {
		options = append(options, flow.EngineWithSigner(signer))
	}
	if conf.Auth.Secret != "" {
		cipher, err := crypto.NewCipher(conf.Auth.Secret)
		if err != nil {
			log.Error("Failed to initialize secrets cipher: %s", err)
			os.Exit(1)
		}
		options = append(options, flow.EngineWithSecrets(cipher))
	}

	engine := flow.NewEngine(options...)

	var inproc *queue.InProcDispatcher
	var consumer *queue.KafkaConsumer
	switch conf.Queue.Mode {
	case config.QueueModeKafka:
		dispatcher := queue.NewKafkaDispatcher(conf.Queue.Brokers)
		flow.EngineWithDispatcher(dispatcher)(engine)
		reader := queue.NewKafkaReader(conf.Queue.Brokers, conf.Queue.GroupID, queue.Queues())
		consumer = queue.NewKafkaConsumer(reader, engine)
		go consumer.Run(appContext)
	default:
		inproc = queue.NewInProcDispatcher(
			queue.InProcWithWorkers(conf.Queue.Workers),
			queue.InProcWithMaxAttempts(conf.Queue.MaxAttempts),
		)
		flow.EngineWithDispatcher(inproc)(engine)
		inproc.Start(appContext, engine)
	}

	var sched *scheduler.Scheduler
	if conf.Scheduler.Enabled {
		sched = scheduler.New(engine, tenants,
			scheduler.WithInterval(conf.Scheduler.Interval),
			scheduler.WithMailer(mailer),
			scheduler.WithAlerter(alerter),
		)
		go sched.Run(appContext)
	}

	svr := rest.NewServer(engine, tenants, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(appContext)
	if inproc != nil {
		inproc.Wait()
	}
	if consumer != nil {
		consumer.Close()
	}
	tenants.Close()
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
