package assistant

import "math/rand/v2"

// Opening lines shown when a fresh conversation starts.
var welcomeMessages = []string{
	"Merhaba! Ben Td AI. Size bugün nasıl yardımcı olabilirim?",
	"Hoş geldiniz! Sorularınızı bekliyorum.",
	"Selam! Birlikte neler yapabiliriz, bakalım mı?",
	"Merhaba! Sohbete hazırım, buyurun.",
}

// WelcomeMessage returns one of the canned conversation openers.
func WelcomeMessage() string {
	return welcomeMessages[rand.IntN(len(welcomeMessages))]
}
