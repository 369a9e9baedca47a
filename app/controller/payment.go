package controller

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/entity"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/factory"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/mapper"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/service"
	"github.com/vibast-solutions/ms-go-proxy-payments/app/types"
)

type PaymentController struct {
	paymentService *service.PaymentService
	logger         logrus.FieldLogger
}

func NewPaymentController(paymentService *service.PaymentService) *PaymentController {
	return &PaymentController{
		paymentService: paymentService,
		logger:         factory.NewModuleLogger("payments-controller"),
	}
}

func (c *PaymentController) Health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, &types.HealthResponse{Status: "ok"})
}

func (c *PaymentController) CreateDeposit(ctx echo.Context) error {
	req, err := types.NewCreateDepositRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.CreateDeposit(ctx.Request().Context(), req)
	if err != nil {
		return c.writeCheckoutError(ctx, "Create deposit failed", item, err)
	}

	return ctx.JSON(http.StatusCreated, &types.PaymentResponse{Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) CreatePurchase(ctx echo.Context) error {
	req, err := types.NewCreatePurchaseRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.CreatePurchase(ctx.Request().Context(), req)
	if err != nil {
		return c.writeCheckoutError(ctx, "Create purchase failed", item, err)
	}

	return ctx.JSON(http.StatusCreated, &types.PaymentResponse{Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) GetPayment(ctx echo.Context) error {
	req, err := types.NewPaymentLookupRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.GetPayment(ctx.Request().Context(), req.UserID, req.OrderID)
	if err != nil {
		return c.writeLookupError(ctx, "Get payment failed", err)
	}

	return ctx.JSON(http.StatusOK, &types.PaymentResponse{Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) VerifyPayment(ctx echo.Context) error {
	req, err := types.NewPaymentLookupRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	item, err := c.paymentService.VerifyPayment(ctx.Request().Context(), req.UserID, req.OrderID)
	if err != nil {
		return c.writeLookupError(ctx, "Verify payment failed", err)
	}

	return ctx.JSON(http.StatusOK, &types.PaymentResponse{Payment: mapper.PaymentToResponse(item)})
}

func (c *PaymentController) ListTransactions(ctx echo.Context) error {
	req, err := types.NewPaymentLookupRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.paymentService.ListTransactions(ctx.Request().Context(), req.UserID, req.OrderID)
	if err != nil {
		return c.writeLookupError(ctx, "List transactions failed", err)
	}

	return ctx.JSON(http.StatusOK, &types.ListTransactionsResponse{Transactions: mapper.TransactionsToResponse(items)})
}

func (c *PaymentController) ListPayments(ctx echo.Context) error {
	req, err := types.NewListPaymentsRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.paymentService.ListPayments(ctx.Request().Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		}
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("List payments failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, &types.ListPaymentsResponse{Payments: mapper.PaymentsToResponse(items)})
}

func (c *PaymentController) GetWallet(ctx echo.Context) error {
	req, err := types.NewUserRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.paymentService.GetWallet(ctx.Request().Context(), req.UserID)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("Get wallet failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, mapper.WalletsToResponse(req.UserID, items))
}

func (c *PaymentController) ListPlans(ctx echo.Context) error {
	req, err := types.NewUserRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	items, err := c.paymentService.ListPlans(ctx.Request().Context(), req.UserID)
	if err != nil {
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error("List plans failed")
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}

	return ctx.JSON(http.StatusOK, mapper.PlansToResponse(req.UserID, items))
}

// HandleWebhook answers 200 once the notification is verified and recorded.
// Processing failures after that point are retried by the replay job.
func (c *PaymentController) HandleWebhook(ctx echo.Context) error {
	req, err := types.NewHandleWebhookRequestFromContext(ctx)
	if err != nil {
		return c.writeError(ctx, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	}

	record, err := c.paymentService.HandleWebhook(ctx.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProviderUnsupported), errors.Is(err, service.ErrWebhookRejected):
			return c.writeError(ctx, http.StatusBadRequest, err.Error())
		default:
			factory.LoggerWithContext(c.logger, ctx).WithError(err).WithField("provider", req.Provider).Error("Handle webhook failed")
			return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
		}
	}

	return ctx.JSON(http.StatusOK, mapper.WebhookEventToResponse(record))
}

func (c *PaymentController) writeCheckoutError(ctx echo.Context, logMessage string, item *entity.Payment, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidCurrency),
		errors.Is(err, service.ErrInvalidPlan),
		errors.Is(err, service.ErrProviderUnsupported):
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrPaymentAlreadyExists):
		return c.writeError(ctx, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrProviderFailed):
		return ctx.JSON(http.StatusBadGateway, &types.ErrorResponse{Error: err.Error(), Payment: mapper.PaymentToResponse(item)})
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error(logMessage)
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func (c *PaymentController) writeLookupError(ctx echo.Context, logMessage string, err error) error {
	switch {
	case errors.Is(err, service.ErrPaymentNotFound):
		return c.writeError(ctx, http.StatusNotFound, "payment not found")
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrProviderUnsupported):
		return c.writeError(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrProviderFailed):
		return c.writeError(ctx, http.StatusBadGateway, err.Error())
	default:
		factory.LoggerWithContext(c.logger, ctx).WithError(err).Error(logMessage)
		return c.writeError(ctx, http.StatusInternalServerError, "internal server error")
	}
}

func (c *PaymentController) writeError(ctx echo.Context, statusCode int, message string) error {
	return ctx.JSON(statusCode, &types.ErrorResponse{Error: message})
}
