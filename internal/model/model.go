// Package model содержит доменные сущности кредитного сервиса.
package model

import "github.com/shopspring/decimal"

// Balance представляет текущий кредитный баланс пользователя.
// Ровно одна строка на пользователя, создаётся лениво при первом обращении.
type Balance struct {
	UserID    string
	Credit    decimal.Decimal
	CreatedAt int64
	UpdatedAt int64
}

// LogDetail описывает структурированные детали записи кредитной истории.
type LogDetail struct {
	Desc      string         `json:"desc"`
	APIPath   string         `json:"api_path,omitempty"`
	APIParams map[string]any `json:"api_params,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
}

// CreditLogEntry описывает одну запись кредитной истории.
// Credit содержит баланс после изменения, а не величину изменения.
type CreditLogEntry struct {
	ID        string
	UserID    string
	Credit    decimal.Decimal
	Detail    LogDetail
	CreatedAt int64
}

// TradeTicket описывает один платёжный запрос к внешнему провайдеру.
// Идентификатор используется как out_trade_no провайдера и глобально уникален.
type TradeTicket struct {
	ID        string
	UserID    string
	Amount    decimal.Decimal
	Detail    map[string]any
	SettledAt *int64
	CreatedAt int64
}

// Settled сообщает, был ли тикет уже успешно обработан.
func (t *TradeTicket) Settled() bool {
	return t.SettledAt != nil
}
