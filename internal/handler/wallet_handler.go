package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-core-api/internal/models"
	"github.com/noah-isme/lms-core-api/internal/service"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
	"github.com/noah-isme/lms-core-api/pkg/response"
)

// WalletHandler exposes wallet and transaction endpoints.
type WalletHandler struct {
	wallets *service.WalletService
	exports *service.StatementExportService
}

// NewWalletHandler constructs WalletHandler.
func NewWalletHandler(wallets *service.WalletService, exports *service.StatementExportService) *WalletHandler {
	return &WalletHandler{wallets: wallets, exports: exports}
}

// Get godoc
// @Summary Get wallet balance
// @Description Return the caller's wallet, creating it on first access
// @Tags Wallet
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /wallet [get]
func (h *WalletHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	wallet, err := h.wallets.GetWallet(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, wallet, nil)
}

// Deposit godoc
// @Summary Deposit funds
// @Tags Wallet
// @Accept json
// @Produce json
// @Param payload body service.DepositRequest true "Deposit payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /wallet/deposit [post]
func (h *WalletHandler) Deposit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	wallet, err := h.wallets.Deposit(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, wallet, nil)
}

// Transactions godoc
// @Summary List wallet transactions
// @Tags Wallet
// @Produce json
// @Param type query string false "Filter by type (DEPOSIT, PAYMENT, REFUND)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /wallet/transactions [get]
func (h *WalletHandler) Transactions(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var filter models.TransactionFilter
	filter.Type = models.TransactionType(strings.ToUpper(c.Query("type")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	transactions, pagination, err := h.wallets.ListTransactions(c.Request.Context(), claims.UserID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transactions, pagination)
}

// Statement godoc
// @Summary Export wallet statement
// @Description Download the transaction history as CSV or PDF
// @Tags Wallet
// @Produce octet-stream
// @Param format query string false "Export format (csv or pdf)" default(csv)
// @Success 200 {file} binary
// @Failure 400 {object} response.Envelope
// @Router /wallet/statement [get]
func (h *WalletHandler) Statement(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	payload, contentType, err := h.wallets.Statement(c.Request.Context(), claims.UserID, format)
	if err != nil {
		response.Error(c, err)
		return
	}

	filename := fmt.Sprintf("statement-%s.%s", time.Now().UTC().Format("20060102"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, payload)
}

// ExportStatement godoc
// @Summary Persist a statement export
// @Description Store the rendered statement and return a signed download URL
// @Tags Wallet
// @Produce json
// @Param format query string false "Export format (csv or pdf)" default(csv)
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /wallet/statement/export [post]
func (h *WalletHandler) ExportStatement(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	result, err := h.exports.Export(c.Request.Context(), claims.UserID, c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, result, nil)
}

// DownloadStatement godoc
// @Summary Download a persisted statement via signed token
// @Tags Wallet
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Failure 403 {object} response.Envelope
// @Router /wallet/statement/downloads/{token} [get]
func (h *WalletHandler) DownloadStatement(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	result, err := h.exports.Download(c.Param("token"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.SizeBytes, result.ContentType, result.File, nil)
}
