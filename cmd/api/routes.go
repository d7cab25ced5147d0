package main

import (
	"net/http"

	"github.com/shiftstack-work/payments-backend/internal/auth"
	"github.com/shiftstack-work/payments-backend/internal/handlers"
	"github.com/shiftstack-work/payments-backend/internal/middleware"
	"github.com/shiftstack-work/payments-backend/internal/webhook"
)

// RegisterRoutes wires the full HTTP surface.
//
// Middleware chains: /v1/* is service-to-service behind APIKeyAuth; /ops/*
// is operator-facing behind OperatorAuth (except login); the webhook intake
// authenticates by HMAC signature instead and takes no bearer auth.
func RegisterRoutes(
	mux *http.ServeMux,
	authHandler *auth.Handler,
	authSvc auth.Service,
	keys middleware.APIKeyLookup,
	escrowHandler *handlers.EscrowHandler,
	ledgerHandler *handlers.LedgerHandler,
	creditHandler *handlers.CreditHandler,
	opsHandler *handlers.OpsHandler,
	webhookHandler *webhook.Handler,
) {
	svc := middleware.APIKeyAuth(keys)
	ops := middleware.OperatorAuth(authSvc)

	// Escrow lifecycle (shift service)
	mux.Handle("POST /v1/escrows", svc(http.HandlerFunc(escrowHandler.CreateHold)))
	mux.Handle("GET /v1/escrows/{id}", svc(http.HandlerFunc(escrowHandler.Get)))
	mux.Handle("POST /v1/escrows/{id}/capture", svc(http.HandlerFunc(escrowHandler.Capture)))
	mux.Handle("POST /v1/escrows/{id}/release", svc(http.HandlerFunc(escrowHandler.Release)))
	mux.Handle("POST /v1/escrows/{id}/refund", svc(http.HandlerFunc(escrowHandler.Refund)))
	mux.Handle("POST /v1/shifts/{shiftPaymentID}/complete", svc(http.HandlerFunc(escrowHandler.ConfirmCompletion)))

	// Ledger reads
	mux.Handle("GET /v1/ledger/{userID}/balance", svc(http.HandlerFunc(ledgerHandler.Balance)))
	mux.Handle("GET /v1/ledger/{userID}/entries", svc(http.HandlerFunc(ledgerHandler.Entries)))

	// Business credit and invoices
	mux.Handle("POST /v1/credit/{businessID}/charges", svc(http.HandlerFunc(creditHandler.Charge)))
	mux.Handle("GET /v1/credit/{businessID}/transactions", svc(http.HandlerFunc(creditHandler.Transactions)))
	mux.Handle("GET /v1/invoices/{id}", svc(http.HandlerFunc(creditHandler.GetInvoice)))
	mux.Handle("POST /v1/invoices/{id}/payments", svc(http.HandlerFunc(creditHandler.RecordPayment)))
	mux.Handle("POST /v1/invoices/{id}/late-fees", svc(http.HandlerFunc(creditHandler.AddLateFee)))

	// Provider webhook intake (HMAC-signed, no bearer auth)
	mux.HandleFunc("POST /v1/webhooks/{provider}", webhookHandler.Receive)

	// Operator surface
	mux.HandleFunc("POST /ops/login", authHandler.Login)
	mux.Handle("POST /ops/operators", ops(http.HandlerFunc(authHandler.RegisterOperator)))
	mux.Handle("POST /ops/api-keys", ops(http.HandlerFunc(authHandler.MintAPIKey)))
	mux.Handle("GET /ops/api-keys", ops(http.HandlerFunc(authHandler.ListAPIKeys)))
	mux.Handle("DELETE /ops/api-keys/{id}", ops(http.HandlerFunc(authHandler.RevokeAPIKey)))

	mux.Handle("POST /ops/disputes", ops(http.HandlerFunc(opsHandler.OpenDispute)))
	mux.Handle("POST /ops/disputes/{id}/resolve", ops(http.HandlerFunc(opsHandler.ResolveDispute)))
	mux.Handle("POST /ops/penalties", ops(http.HandlerFunc(opsHandler.Penalize)))
	mux.Handle("POST /ops/penalties/{id}/appeal", ops(http.HandlerFunc(opsHandler.Appeal)))
	mux.Handle("POST /ops/appeals/{id}/decide", ops(http.HandlerFunc(opsHandler.DecideAppeal)))

	mux.Handle("POST /ops/settlements/run", ops(http.HandlerFunc(opsHandler.RunSettlement)))
	mux.Handle("GET /ops/batches", ops(http.HandlerFunc(opsHandler.ListBatches)))
	mux.Handle("GET /ops/batches/{id}", ops(http.HandlerFunc(opsHandler.GetBatch)))

	mux.Handle("POST /ops/invoices/{id}/finalize", ops(http.HandlerFunc(creditHandler.Finalize)))
	mux.Handle("POST /ops/invoices/{id}/send", ops(http.HandlerFunc(creditHandler.MarkSent)))
	mux.Handle("POST /ops/invoices/{id}/void", ops(http.HandlerFunc(creditHandler.Void)))
}
