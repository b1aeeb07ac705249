// Package model содержит доменные сущности сервиса witbar.
package model

import "time"

// WalletLink связывает внешний адрес кошелька с пользователем Telegram.
// Адрес принадлежит не более чем одному пользователю одновременно.
type WalletLink struct {
	UserID   int64
	Address  string
	LinkedAt time.Time
}

// ItemKind описывает позицию барного меню.
type ItemKind string

const (
	ItemBeer     ItemKind = "beer"
	ItemCocktail ItemKind = "cocktail"
	ItemBucket   ItemKind = "bucket"
)

// Prices задаёт фиксированную стоимость позиций меню в сотых долях WIT.
var Prices = map[ItemKind]int64{
	ItemBeer:     500,
	ItemCocktail: 1000,
	ItemBucket:   1500,
}

// PriceFor возвращает цену позиции меню и признак того, что позиция известна.
func PriceFor(kind ItemKind) (int64, bool) {
	price, ok := Prices[kind]
	return price, ok
}

// TransferEvent описывает нормализованное событие перевода токена,
// полученное от провайдера вебхуков или догоняющего опроса.
// Amount хранится в сотых долях WIT.
type TransferEvent struct {
	Signature   string
	TokenID     string
	FromAddress string
	ToAddress   string
	Amount      int64
}

// Ticket описывает выданный при покупке талон. Запись неизменяема,
// кроме флага Redeemed, который выставляется при погашении.
type Ticket struct {
	ID        string
	UserID    int64
	Kind      ItemKind
	Price     int64
	CreatedAt time.Time
	Redeemed  bool
}

// Balance содержит текущий баланс пользователя и сумму всех покупок в WIT.
type Balance struct {
	Current float64 `json:"current"`
	Spent   float64 `json:"spent"`
}
