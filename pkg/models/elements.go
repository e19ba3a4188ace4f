/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package models

import (
	"fmt"
	"strings"
)

// Element carries the per-element constants needed for validation and for
// defaulting masses when a submission omits them.
type Element struct {
	Number int
	Mass   float64 // standard atomic weight (IUPAC 2021), amu
}

var elements = map[string]Element{
	"H": {1, 1.008}, "He": {2, 4.002602},
	"Li": {3, 6.94}, "Be": {4, 9.0121831}, "B": {5, 10.81}, "C": {6, 12.011},
	"N": {7, 14.007}, "O": {8, 15.999}, "F": {9, 18.998403163}, "Ne": {10, 20.1797},
	"Na": {11, 22.98976928}, "Mg": {12, 24.305}, "Al": {13, 26.9815385},
	"Si": {14, 28.085}, "P": {15, 30.973761998}, "S": {16, 32.06},
	"Cl": {17, 35.45}, "Ar": {18, 39.948},
	"K": {19, 39.0983}, "Ca": {20, 40.078}, "Sc": {21, 44.955908},
	"Ti": {22, 47.867}, "V": {23, 50.9415}, "Cr": {24, 51.9961},
	"Mn": {25, 54.938044}, "Fe": {26, 55.845}, "Co": {27, 58.933194},
	"Ni": {28, 58.6934}, "Cu": {29, 63.546}, "Zn": {30, 65.38},
	"Ga": {31, 69.723}, "Ge": {32, 72.630}, "As": {33, 74.921595},
	"Se": {34, 78.971}, "Br": {35, 79.904}, "Kr": {36, 83.798},
	"Rb": {37, 85.4678}, "Sr": {38, 87.62}, "Y": {39, 88.90584},
	"Zr": {40, 91.224}, "Nb": {41, 92.90637}, "Mo": {42, 95.95},
	"Tc": {43, 98}, "Ru": {44, 101.07}, "Rh": {45, 102.90550},
	"Pd": {46, 106.42}, "Ag": {47, 107.8682}, "Cd": {48, 112.414},
	"In": {49, 114.818}, "Sn": {50, 118.710}, "Sb": {51, 121.760},
	"Te": {52, 127.60}, "I": {53, 126.90447}, "Xe": {54, 131.293},
	"Cs": {55, 132.90545196}, "Ba": {56, 137.327}, "La": {57, 138.90547},
	"Ce": {58, 140.116}, "Pr": {59, 140.90766}, "Nd": {60, 144.242},
	"Pm": {61, 145}, "Sm": {62, 150.36}, "Eu": {63, 151.964},
	"Gd": {64, 157.25}, "Tb": {65, 158.92535}, "Dy": {66, 162.500},
	"Ho": {67, 164.93033}, "Er": {68, 167.259}, "Tm": {69, 168.93422},
	"Yb": {70, 173.045}, "Lu": {71, 174.9668}, "Hf": {72, 178.49},
	"Ta": {73, 180.94788}, "W": {74, 183.84}, "Re": {75, 186.207},
	"Os": {76, 190.23}, "Ir": {77, 192.217}, "Pt": {78, 195.084},
	"Au": {79, 196.966569}, "Hg": {80, 200.592}, "Tl": {81, 204.38},
	"Pb": {82, 207.2}, "Bi": {83, 208.98040}, "Po": {84, 209},
	"At": {85, 210}, "Rn": {86, 222},
	"Fr": {87, 223}, "Ra": {88, 226}, "Ac": {89, 227},
	"Th": {90, 232.0377}, "Pa": {91, 231.03588}, "U": {92, 238.02891},
	"Np": {93, 237}, "Pu": {94, 244}, "Am": {95, 243}, "Cm": {96, 247},
	"Bk": {97, 247}, "Cf": {98, 251}, "Es": {99, 252}, "Fm": {100, 257},
	"Md": {101, 258}, "No": {102, 259}, "Lr": {103, 262}, "Rf": {104, 267},
	"Db": {105, 268}, "Sg": {106, 271}, "Bh": {107, 272}, "Hs": {108, 270},
	"Mt": {109, 276}, "Ds": {110, 281}, "Rg": {111, 280}, "Cn": {112, 285},
	"Nh": {113, 284}, "Fl": {114, 289}, "Mc": {115, 288}, "Lv": {116, 293},
	"Ts": {117, 294}, "Og": {118, 294},
}

// NormalizeSymbol maps a case-insensitive element symbol to its canonical
// spelling ("cl" -> "Cl"). Unknown symbols are an error.
func NormalizeSymbol(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty element symbol")
	}
	norm := strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	if _, ok := elements[norm]; !ok {
		return "", fmt.Errorf("unknown element symbol %q", s)
	}
	return norm, nil
}

// ElementMass returns the standard atomic weight for a canonical symbol.
func ElementMass(symbol string) (float64, bool) {
	e, ok := elements[symbol]
	return e.Mass, ok
}

// ElementNumber returns the atomic number for a canonical symbol.
func ElementNumber(symbol string) (int, bool) {
	e, ok := elements[symbol]
	return e.Number, ok
}
