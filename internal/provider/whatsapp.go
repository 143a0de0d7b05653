package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	defaultWhatsAppTimeout = 10 * time.Second
	DefaultWhatsAppBaseURL = "https://graph.facebook.com/v19.0"
)

var _ Sender = (*WhatsAppSender)(nil)

// WhatsAppConfig configures the Cloud API sender.
type WhatsAppConfig struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
}

type whatsAppRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Template         whatsAppTemplate `json:"template"`
}

type whatsAppTemplate struct {
	Name       string              `json:"name"`
	Language   whatsAppLanguage    `json:"language"`
	Components []whatsAppComponent `json:"components,omitempty"`
}

type whatsAppLanguage struct {
	Code string `json:"code"`
}

type whatsAppComponent struct {
	Type       string              `json:"type"`
	Parameters []whatsAppParameter `json:"parameters"`
}

type whatsAppParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type whatsAppErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// WhatsAppSender sends template messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	client    *resty.Client
	endpoint  string
	templates map[string]WhatsAppTemplate
}

func NewWhatsAppSender(cfg WhatsAppConfig, templates map[string]WhatsAppTemplate) (*WhatsAppSender, error) {
	client := resty.New()
	client.SetTimeout(defaultWhatsAppTimeout)
	client.SetRetryCount(0)

	return NewWhatsAppSenderWithClient(cfg, templates, client)
}

func NewWhatsAppSenderWithClient(cfg WhatsAppConfig, templates map[string]WhatsAppTemplate, client *resty.Client) (*WhatsAppSender, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultWhatsAppBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid whatsapp base url: %w", err)
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, fmt.Errorf("whatsapp phone number id is required")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("whatsapp access token is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if len(templates) == 0 {
		templates = DefaultWhatsAppTemplates()
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWhatsAppTimeout)
	}
	client.SetRetryCount(0)
	client.SetAuthToken(cfg.AccessToken)

	return &WhatsAppSender{
		client:    client,
		endpoint:  fmt.Sprintf("%s/%s/messages", baseURL, url.PathEscape(cfg.PhoneNumberID)),
		templates: templates,
	}, nil
}

func (p *WhatsAppSender) Send(ctx context.Context, job domain.DeliveryJob) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if job.Channel != domain.ChannelWhatsApp {
		return nil, &ProviderError{Message: fmt.Sprintf("whatsapp sender only supports whatsapp, got %s", job.Channel)}
	}

	reqBody, err := p.buildRequest(job)
	if err != nil {
		return nil, &ProviderError{Code: "TemplateRejected", Message: "failed to build template message", Cause: err}
	}

	var parsed whatsAppResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&parsed).
		SetError(&whatsAppErrorResponse{}).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
			return nil, &ProviderError{
				StatusCode: statusCode,
				Message:    "provider response did not include a message id",
				Transient:  true,
			}
		}
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  parsed.Messages[0].ID,
		}, nil
	}

	providerErr := &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
	if apiErr, ok := response.Error().(*whatsAppErrorResponse); ok && apiErr.Error.Code != 0 {
		providerErr.Code = fmt.Sprintf("whatsapp_%d", apiErr.Error.Code)
	}
	return nil, providerErr
}

func (p *WhatsAppSender) buildRequest(job domain.DeliveryJob) (whatsAppRequest, error) {
	tmpl, ok := p.templates[job.TemplateKey]
	if !ok {
		return whatsAppRequest{}, fmt.Errorf("%w: unknown whatsapp template %q", domain.ErrValidation, job.TemplateKey)
	}

	params := make([]whatsAppParameter, 0, len(tmpl.BodyParams))
	for _, name := range tmpl.BodyParams {
		params = append(params, whatsAppParameter{Type: "text", Text: renderParam(job.Variables, name)})
	}

	language := tmpl.Language
	if language == "" {
		language = "en"
	}

	req := whatsAppRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(job.Recipient, "+"),
		Type:             "template",
		Template: whatsAppTemplate{
			Name:     tmpl.Name,
			Language: whatsAppLanguage{Code: language},
		},
	}
	if len(params) > 0 {
		req.Template.Components = []whatsAppComponent{{Type: "body", Parameters: params}}
	}
	return req, nil
}

// renderParam fills one positional slot; list variables are capped.
func renderParam(vars domain.Variables, name string) string {
	var value string
	switch vars[name].(type) {
	case []any, []string:
		value = TruncateList(vars.ListVariable(name), MaxListItems)
	default:
		value = vars.StringVariable(name)
	}
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
