package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otcheredev/dicom-assoc-client/assoc"
	"github.com/otcheredev/dicom-assoc-client/dicomclient"
	"github.com/otcheredev/dicom-assoc-client/internal/config"
	"github.com/otcheredev/dicom-assoc-client/internal/healthhttp"
	"github.com/otcheredev/dicom-assoc-client/internal/logging"
	"github.com/otcheredev/dicom-assoc-client/netconn"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("starting dicom association client")

	client := dicomclient.NewClient(dicomclient.Config{
		CallingAETitle:            cfg.Client.CallingAETitle,
		CalledAETitle:             cfg.Client.CalledAETitle,
		Host:                      cfg.Client.Host,
		Port:                      cfg.Client.Port,
		RequestTimeout:            cfg.Client.RequestTimeout,
		ConnectTimeout:            cfg.Client.ConnectTimeout,
		MaxPDULength:              cfg.Client.MaxPDULength,
		MaxRequestsPerAssociation: cfg.Client.MaxRequestsPerAssociation,
		AsyncOpsInvoked:           uint16(cfg.Client.AsyncOpsInvoked),
		Linger: cfg.Client.Linger,
		TLS: netconn.TLSConfig{
			Enabled:    cfg.TLS.Enabled,
			CertFile:   cfg.TLS.CertFile,
			KeyFile:    cfg.TLS.KeyFile,
			CAFile:     cfg.TLS.CAFile,
			ServerName: cfg.TLS.ServerName,
		},
		ProposedContexts: []assoc.ProposedContext{
			{
				AbstractSyntax:   dicomclient.VerificationSOPClass,
				TransferSyntaxes: []string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"},
			},
			{
				AbstractSyntax:   dicomclient.StudyRootQueryRetrieveInformationModelFind,
				TransferSyntaxes: []string{"1.2.840.10008.1.2", "1.2.840.10008.1.2.1"},
			},
		},
		ImplementationUID: "1.2.826.0.1.3680043.8.498.1",
		ImplementationVer: "DICOMASSOCCLIENT1",
	}, dicomclient.Events{
		OnRequestCompleted: func(req *dicomclient.DicomRequest, final *dicomclient.DicomResponse) {
			log.Info().Str("correlation_id", req.CorrelationID.String()).Str("state", req.State().String()).Msg("request completed")
		},
		OnRequestTimedOut: func(req *dicomclient.DicomRequest, timeout time.Duration) {
			log.Warn().Str("correlation_id", req.CorrelationID.String()).Dur("timeout", timeout).Msg("request timed out")
		},
		OnAssociationAccepted: func(contexts []assoc.PresentationContext) {
			log.Info().Int("contexts", len(contexts)).Msg("association established")
		},
		OnAssociationRejected: func(err error) {
			log.Warn().Err(err).Msg("association rejected")
		},
		OnAssociationReleased: func() {
			log.Info().Msg("association released")
		},
	})

	var healthSrv *healthhttp.Server
	if cfg.Health.Enabled {
		healthSrv = healthhttp.New(cfg.Health.Addr, client)
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	echo := dicomclient.NewCEcho()
	if err := client.AddRequest(echo); err != nil {
		log.Fatal().Err(err).Msg("failed to enqueue c-echo request")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- client.Send(ctx, nil)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down")
		cancel()
		<-sendDone
	case err := <-sendDone:
		if err != nil {
			log.Error().Err(err).Msg("dispatcher stopped")
		}
	}

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("health server forced to shutdown")
		}
	}

	log.Info().Msg("stopped")
}
