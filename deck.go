// Built-in challenge deck. The definitions survive a game reset; only the
// used flags are cleared.

package main

func defaultDeck() []Card {
	return []Card{
		{
			ID:       "gp1",
			Type:     typeGrandprix,
			Title:    "Nisse Grandprix 1",
			Text:     "Gæt julesangen! Buzz når I kender den.",
			AudioURL: "/uploads/grandprix-1.mp3",
		},
		{
			ID:       "gp2",
			Type:     typeGrandprix,
			Title:    "Nisse Grandprix 2",
			Text:     "Gæt julesangen! Buzz når I kender den.",
			AudioURL: "/uploads/grandprix-2.mp3",
		},
		{
			ID:     "ng1",
			Type:   typeRiddle,
			Title:  "NisseGåden 1",
			Text:   "Jeg er lille og grøn, elsker at hoppe. Hvad er jeg?",
			Answer: "En græshoppe",
		},
		{
			ID:     "ng2",
			Type:   typeRiddle,
			Title:  "NisseGåden 2",
			Text:   "Hvad vejer mest? 1 kg fjer eller 1 kg sten?",
			Answer: "De vejer det samme",
		},
		{
			ID:     "ng3",
			Type:   typeRiddle,
			Title:  "NisseGåden 3",
			Text:   "Jeg har mange tænder, men kan ikke bide. Hvad er jeg?",
			Answer: "En kam",
		},
		{
			ID:     "ng4",
			Type:   typeRiddle,
			Title:  "NisseGåden 4",
			Text:   "Jeg kan flyve uden vinger og græde uden øjne. Hvad er jeg?",
			Answer: "En sky",
		},
		{
			ID:    "jk1",
			Type:  typeCards,
			Title: "JuleKortet 1",
			Text:  "Skriv det bedste julekort til klassen. I har 2 minutter!",
		},
		{
			ID:    "jk2",
			Type:  typeCards,
			Title: "JuleKortet 2",
			Text:  "Skriv det værste julerim I kan finde på.",
		},
		{
			ID:     "kn1",
			Type:   typePhotos,
			Title:  "KreaNissen 1",
			Text:   "Lav den sjoveste nisse med ting i klassen. Tag et billede!",
			Answer: "Eleverne stemmer (sjoveste nisse)",
		},
		{
			ID:     "kn2",
			Type:   typePhotos,
			Title:  "KreaNissen 2",
			Text:   "Byg en mini-juleby på bordet. Tag et billede!",
			Answer: "Eleverne stemmer (juleby)",
		},
		{
			ID:     "kn3",
			Type:   typePhotos,
			Title:  "KreaNissen 3",
			Text:   "Lav en kreativ julehat. Tag et billede!",
			Answer: "Eleverne stemmer (julehat)",
		},
		{
			ID:       "bq1",
			Type:     typeImageQuiz,
			Title:    "BilledeQuiz 1",
			Text:     "Hvilken julefilm er billedet fra?",
			ImageURL: "/uploads/billedequiz-1.jpg",
		},
	}
}
