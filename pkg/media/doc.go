// Package media собирает аудио плечо звонка из транспортного,
// шумоподавляющего и сегментирующего слоев.
//
// CallAudioSession - композиционный корень одного плеча: входящие RTP
// пакеты декодируются в линейный PCM, проходят через пайплайн
// шумоподавления и попадают в VAD буфер, который нарезает речь на
// законченные высказывания для распознавания. Исходящий синтезированный
// PCM кодируется активным кодеком и пакетизируется в RTP.
//
// На каждое плечо звонка создается собственный набор компонентов;
// экземпляры между звонками не разделяются. Ошибки аудио тракта никогда
// не завершают звонок: тракт деградирует до тишины или сквозного
// пропуска и наблюдаем только через логи и метрики.
package media
